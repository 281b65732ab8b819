// Package registry provides a lightweight command handler registry for the
// push intake topic. Each command registers itself via init(), eliminating
// the need to modify the consumer when adding new commands.
package registry

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/idangerous/pushqueue/internal/domain"
)

// CommandHandler maps raw Kafka message bytes to a job spec.
// Returning nil means "skip this message" (nothing to send).
type CommandHandler func(data []byte) *domain.JobSpec

var handlers = map[string]CommandHandler{}

// Register binds a handler to a command name.
// Should be called from each handler file's init() function.
// Panics on duplicate registration to catch config mistakes early.
func Register(command string, h CommandHandler) {
	if _, exists := handlers[command]; exists {
		panic("registry: duplicate handler registered for command: " + command)
	}
	handlers[command] = h
}

// Dispatch looks up and calls the handler for the message's command.
// The command name is extracted from the "command" JSON field in data.
// Returns nil if no handler is found or data cannot be parsed.
func Dispatch(data []byte) *domain.JobSpec {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Warn().Err(err).Msg("registry: failed to probe command")
		return nil
	}

	h, ok := handlers[probe.Command]
	if !ok {
		log.Debug().Str("command", probe.Command).Msg("registry: no handler registered")
		return nil
	}
	return h(data)
}
