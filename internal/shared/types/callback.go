package types

// Callback error kinds visible to the guest.
const (
	ErrKindInvalidArguments = "invalid_arguments"
	ErrKindExecutionFailed  = "execution_failed"
	ErrKindNotFound         = "not_found"
	ErrKindTimeout          = "timeout"
	ErrKindLimitExceeded    = "limit_exceeded"
)

// CallbackRequest asks the host to run a named callback.
type CallbackRequest struct {
	Name          string
	ArgumentsJSON string
	Reply         chan<- CallbackReply
}

// CallbackReply carries either a JSON value or an error.
type CallbackReply struct {
	Value string
	Err   *ReplyError
}

// ReplyError is a guest-visible callback failure.
type ReplyError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return e.Message
}

// NewCallbackReplyChan returns a reply channel with the required capacity.
func NewCallbackReplyChan() chan CallbackReply {
	return make(chan CallbackReply, 1)
}
