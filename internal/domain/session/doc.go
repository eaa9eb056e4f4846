// Package session manages live sandbox sessions and persists their state.
//
// Components:
//   - Persisted: the on-disk form of a session (snapshot bytes plus metadata)
//   - Store: named persisted sessions, backed by files or SQLite
//   - Registry: bridges a Store and a Sandbox (save, load, get-or-create)
//   - Manager: live sessions keyed by ID, with idle eviction and a ceiling
//
// Persisted Format (JSON):
//
//	{
//	  "state": "<base64 snapshot>",
//	  "metadata": {"execution_count": 3, "engine_version": "0.4.0"},
//	  "created_at": "2026-01-02T15:04:05Z",
//	  "last_active": "2026-01-02T15:09:00Z"
//	}
//
// Loading checks that engine_version matches the running engine's
// major.minor version.
//
// Example Usage:
//
//	store, err := session.NewFileStore(dir, logger)
//	reg := session.NewRegistry(sb, store, logger, metrics)
//	sess, loaded, err := reg.GetOrCreate(ctx, "analysis")
//	...
//	err = reg.Save(ctx, "analysis", sess)
package session
