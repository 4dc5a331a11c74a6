package server

// Code is the outcome of a request.
type Code uint8

const (
	Success Code = iota
	Error
	RecordExists
	RecordNotFound
	MapExists
	MapNotFound
	ScanEnded
)

var codeNames = [...]string{
	Success:        "Success",
	Error:          "Error",
	RecordExists:   "RecordExists",
	RecordNotFound: "RecordNotFound",
	MapExists:      "MapExists",
	MapNotFound:    "MapNotFound",
	ScanEnded:      "ScanEnded",
}

func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}

	return "Unknown"
}
