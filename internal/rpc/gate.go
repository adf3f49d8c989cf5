package rpc

// Gate authorizes privileged handlers by capability name.
type Gate interface {
	Allow(capability string) bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(capability string) bool

func (f GateFunc) Allow(capability string) bool {
	return f(capability)
}

// DenyAll refuses every capability. Peers without a gate behave this way.
var DenyAll Gate = GateFunc(func(string) bool { return false })
