package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// run
	"run.launched":   {},
	"run.superseded": {},
	"run.exited":     {},
	"run.terminated": {},
	"run.failed":     {},

	// client
	"client.registered":   {},
	"client.disconnected": {},
	"client.joined":       {},

	// command
	"command.forwarded": {},
	"command.dropped":   {},

	// data
	"data.relayed": {},

	// staging
	"file.uploaded": {},

	// relay
	"relay.connected":    {},
	"relay.disconnected": {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
