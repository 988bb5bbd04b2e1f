// Package builtin ships the adapters every site offers under the "dfm"
// provider: constants, greetings, completion signals, stream combinators,
// per-request messaging, and delayed sleeps. They double as the reference
// implementations of the adapter contract.
package builtin

import (
	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/pipeline"
)

// API class names of the builtin functions.
const (
	APIConstant       = pipeline.ConstantAPIClass
	APIGreetMe        = "dfm.GreetMe"
	APISignalClient   = "dfm.SignalClient"
	APISignalAllDone  = "dfm.SignalAllDone"
	APIZip2           = "dfm.Zip2"
	APISquare         = "dfm.Square"
	APISleep          = "dfm.Sleep"
	APISendMessage    = "dfm.SendMessage"
	APIReceiveMessage = "dfm.ReceiveMessage"
	APIAwaitMessage   = "dfm.AwaitMessage"
)

// Register adds the builtin descriptors to the api class registry and their
// factories to the adapter registry. Call once at service start.
func Register(classes *pipeline.Registry, adapters *adapter.Registry) error {
	descriptors := []pipeline.Descriptor{
		{
			APIClass:    APIConstant,
			Description: "Produce a literal value.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"value":{}},"required":["value"],"additionalProperties":false}`,
		},
		{
			APIClass:    APIGreetMe,
			Description: "Produce a greeting for the given name.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"name":{"type":"string"}},"required":["name"],"additionalProperties":false}`,
		},
		{
			APIClass:    APISignalClient,
			Description: "Emit a message once every ordering predecessor finished.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"],"additionalProperties":false}`,
		},
		{
			APIClass:    APISignalAllDone,
			Description: "Emit a message once a collection of predecessors finished.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"],"additionalProperties":false}`,
		},
		{
			APIClass:    APIZip2,
			Description: "Pair the values of two upstream streams positionally.",
			Arity:       pipeline.NAry,
			NumInputs:   2,
		},
		{
			APIClass:    APISquare,
			Description: "Square each numeric upstream value.",
			Arity:       pipeline.Unary,
		},
		{
			APIClass:    APISleep,
			Description: "Wait for a duration, then emit \"done\".",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"duration":{"type":"string"},"reschedule":{"type":"boolean"}},"required":["duration"],"additionalProperties":false}`,
		},
		{
			APIClass:    APISendMessage,
			Description: "Write the upstream value into a per-request mailbox.",
			Arity:       pipeline.Unary,
			ParamSchema: `{"type":"object","properties":{"mailbox":{"type":"string"}},"required":["mailbox"],"additionalProperties":false}`,
		},
		{
			APIClass:    APIReceiveMessage,
			Description: "Deposit a literal message into a per-request mailbox.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"mailbox":{"type":"string"},"message":{"type":"string"}},"required":["mailbox","message"],"additionalProperties":false}`,
		},
		{
			APIClass:    APIAwaitMessage,
			Description: "Wait for a mailbox message, rescheduling until it arrives.",
			Arity:       pipeline.Nullary,
			ParamSchema: `{"type":"object","properties":{"mailbox":{"type":"string"},"poll_interval":{"type":"string"},"max_polls":{"type":"integer","minimum":1}},"required":["mailbox"],"additionalProperties":false}`,
		},
	}
	for _, d := range descriptors {
		if err := classes.Register(d); err != nil {
			return err
		}
	}

	factories := map[string]adapter.Factory{
		APIConstant:       newConstant,
		APIGreetMe:        newGreetMe,
		APISignalClient:   newSignal,
		APISignalAllDone:  newSignal,
		APIZip2:           newZip2,
		APISquare:         newSquare,
		APISleep:          newSleep,
		APISendMessage:    newSendMessage,
		APIReceiveMessage: newReceiveMessage,
		APIAwaitMessage:   newAwaitMessage,
	}
	for name, f := range factories {
		if err := adapters.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister(classes *pipeline.Registry, adapters *adapter.Registry) {
	if err := Register(classes, adapters); err != nil {
		panic(err)
	}
}

// Interface returns the api class set for a site configuration binding all
// builtins under the default provider.
func Interface() []string {
	return []string{
		APIConstant, APIGreetMe, APISignalClient, APISignalAllDone,
		APIZip2, APISquare, APISleep,
		APISendMessage, APIReceiveMessage, APIAwaitMessage,
	}
}
