package types

// Network error kinds visible to the guest.
const (
	NetErrConnectionRefused = "connection_refused"
	NetErrConnectionReset   = "connection_reset"
	NetErrTimedOut          = "timed_out"
	NetErrHostNotFound      = "host_not_found"
	NetErrIO                = "io_error"
	NetErrNotPermitted      = "not_permitted"
	NetErrInvalidHandle     = "invalid_handle"
	NetErrHandshakeFailed   = "handshake_failed"
	NetErrCertificate       = "certificate_error"
)

// NetError is a typed network failure.
type NetError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *NetError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// NetRequest is one of the TCP/TLS request variants below.
type NetRequest interface {
	netRequest()
}

// HandleReply answers connect and upgrade requests.
type HandleReply struct {
	Handle uint32
	Err    *NetError
}

// ReadReply answers read requests. An empty Data with nil Err means EOF.
type ReadReply struct {
	Data []byte
	Err  *NetError
}

// WriteReply answers write requests with the number of bytes accepted.
type WriteReply struct {
	N   int
	Err *NetError
}

type (
	TCPConnect struct {
		Host  string
		Port  uint16
		Reply chan<- HandleReply
	}
	TCPRead struct {
		Handle uint32
		Len    int
		Reply  chan<- ReadReply
	}
	TCPWrite struct {
		Handle uint32
		Data   []byte
		Reply  chan<- WriteReply
	}
	TCPClose struct {
		Handle uint32
	}
	TLSUpgrade struct {
		TCPHandle uint32
		Hostname  string
		Reply     chan<- HandleReply
	}
	TLSRead struct {
		Handle uint32
		Len    int
		Reply  chan<- ReadReply
	}
	TLSWrite struct {
		Handle uint32
		Data   []byte
		Reply  chan<- WriteReply
	}
	TLSClose struct {
		Handle uint32
	}
)

func (TCPConnect) netRequest() {}
func (TCPRead) netRequest()    {}
func (TCPWrite) netRequest()   {}
func (TCPClose) netRequest()   {}
func (TLSUpgrade) netRequest() {}
func (TLSRead) netRequest()    {}
func (TLSWrite) netRequest()   {}
func (TLSClose) netRequest()   {}
