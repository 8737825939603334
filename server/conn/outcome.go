package conn

// result of resolving a request, the response builder maps it to a status
type Outcome uint8

const (
	NeedMoreData Outcome = iota
	MalformedRequest
	ResourceMissing
	Forbidden
	FileReady
	CredentialAction
	InternalError
	PeerClosed
)

var outcomeNames = [...]string{
	NeedMoreData:     "NeedMoreData",
	MalformedRequest: "MalformedRequest",
	ResourceMissing:  "ResourceMissing",
	Forbidden:        "Forbidden",
	FileReady:        "FileReady",
	CredentialAction: "CredentialAction",
	InternalError:    "InternalError",
	PeerClosed:       "PeerClosed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "Outcome(?)"
}

func (o Outcome) Status() int {
	switch o {
	case FileReady, CredentialAction:
		return 200
	case MalformedRequest:
		return 400
	case Forbidden:
		return 403
	case ResourceMissing:
		return 404
	default:
		return 500
	}
}

// driver instruction returned by the connection
type Action uint8

const (
	ActionRead  Action = iota // re-arm read readiness
	ActionWrite               // re-arm write readiness
	ActionClose               // tear connection down
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	default:
		return "close"
	}
}
