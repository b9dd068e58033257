package mqtt

import "fmt"

// Client-side failure codes, negative so they never collide with a
// broker CONNACK reason code.
const (
	ReasonDialFailed = -2
	ReasonTimeout    = -4
)

var reasonText = map[int]string{
	ReasonTimeout:    "connection timeout, the broker did not answer in time",
	ReasonDialFailed: "connect failed, the network connection to the broker failed",
	0x00:             "success",
	0x80:             "unspecified error",
	0x81:             "malformed packet",
	0x82:             "protocol error",
	0x83:             "implementation specific error",
	0x84:             "unsupported protocol version",
	0x85:             "client identifier not valid",
	0x86:             "bad user name or password",
	0x87:             "not authorized",
	0x88:             "server unavailable",
	0x89:             "server busy",
	0x8A:             "banned",
	0x8C:             "bad authentication method",
	0x90:             "topic name invalid",
	0x95:             "packet too large",
	0x97:             "quota exceeded",
	0x99:             "payload format invalid",
	0x9A:             "retain not supported",
	0x9B:             "QoS not supported",
	0x9C:             "use another server",
	0x9D:             "server moved",
	0x9F:             "connection rate exceeded",
}

// ReasonText describes a CONNACK reason code or a client-side failure
// code.
func ReasonText(code int) string {
	if s, ok := reasonText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown reason code %d", code)
}

// ConnectError is a failed broker handshake.
type ConnectError struct {
	ReasonCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mqtt connect: %s (code %d): %v", ReasonText(e.ReasonCode), e.ReasonCode, e.Err)
	}
	return fmt.Sprintf("mqtt connect: %s (code %d)", ReasonText(e.ReasonCode), e.ReasonCode)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Code returns the reason code.
func (e *ConnectError) Code() int { return e.ReasonCode }
