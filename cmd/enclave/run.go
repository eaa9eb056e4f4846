package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/enclave/internal/api/http"
	"github.com/GriffinCanCode/enclave/internal/broker"
	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/config"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
	"github.com/GriffinCanCode/enclave/internal/shared/utils"
)

var (
	sessionFlag string
	traceFlag   bool
	jsonFlag    bool
	evalFlag    string
	timeoutFlag time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Execute a script once",
	Long: `Execute JavaScript from a file, from stdin ("-"), or from --eval.

With --session the named stored session is loaded first (or created if
missing) and saved back after the run, so globals persist across calls.

Examples:
  enclave run script.js
  echo 'print(1 + 1)' | enclave run -
  enclave run --session work -e 'var n = (globalThis.n || 0) + 1; print(n)'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&sessionFlag, "session", "s", "", "Stored session to load and save")
	runCmd.Flags().BoolVar(&traceFlag, "trace", false, "Write trace events to stderr")
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the full result as JSON instead of streaming output")
	runCmd.Flags().StringVarP(&evalFlag, "eval", "e", "", "Code to execute")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Execution timeout (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func readCode(args []string, stdin io.Reader) (string, error) {
	switch {
	case evalFlag != "" && len(args) > 0:
		return "", errors.New("use either --eval or a file, not both")
	case evalFlag != "":
		return evalFlag, nil
	case len(args) == 0 || args[0] == "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(args[0])
		return string(data), err
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := readCode(args, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}
	if err := utils.ValidateCode(code); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if timeoutFlag > 0 {
		cfg.Sandbox.ExecutionTimeout = config.Duration(timeoutFlag)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	builder, err := sandbox.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	if !jsonFlag {
		builder.WithOutputHandler(broker.OutputHandlerFunc(func(chunk types.OutputChunk) {
			w := stdout
			if chunk.Stream == types.Stderr {
				w = stderr
			}
			_, _ = io.WriteString(w, chunk.Data)
		}))
		if traceFlag {
			enc := sonic.ConfigDefault.NewEncoder(stderr)
			builder.WithTraceHandler(broker.TraceHandlerFunc(func(ev types.TraceEvent) {
				_ = enc.Encode(ev)
			}))
		}
	}
	sb, err := builder.Build()
	if err != nil {
		return err
	}

	ctx := background(cmd)
	var (
		sess     *sandbox.Session
		registry *session.Registry
	)
	if sessionFlag != "" {
		store, err := session.NewStore(cfg.Sessions.Store, cfg.Sessions.Location(), logger)
		if err != nil {
			return err
		}
		defer store.Close()
		registry = session.NewRegistry(sb, store, logger, nil)
		var loaded bool
		if sess, loaded, err = registry.GetOrCreate(ctx, sessionFlag); err != nil {
			return err
		}
		logger.Debug("Session ready", zap.String("name", sessionFlag), zap.Bool("loaded", loaded))
	} else if sess, err = sb.NewSession(ctx); err != nil {
		return err
	}

	resp, err := apihttp.ExecuteOutcome(sess.Execute(ctx, code))
	if err != nil {
		return err
	}

	if registry != nil {
		if err := registry.Save(ctx, sessionFlag, sess); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
	}

	if jsonFlag {
		if !traceFlag {
			resp.Trace = nil
		}
		data, err := sonic.ConfigDefault.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
	}
	if resp.Error != nil {
		if !jsonFlag {
			fmt.Fprintf(stderr, "%s: %s\n", resp.Error.Kind, resp.Error.Message)
		}
		return errExecutionFailed
	}
	return nil
}

// errExecutionFailed is returned after the failure was already reported.
var errExecutionFailed = errors.New("execution failed")
