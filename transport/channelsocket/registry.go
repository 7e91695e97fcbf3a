package channelsocket

import (
	"encoding/json"
	"sort"
	"sync"
)

// Handler receives the data payload of a routed envelope.
type Handler func(data json.RawMessage)

// Registry maps channel -> command -> handler. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[string]Handler),
	}
}

// Set registers h for (channel, command), replacing any previous handler.
func (r *Registry) Set(channel, command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	commands, ok := r.channels[channel]
	if !ok {
		commands = make(map[string]Handler)
		r.channels[channel] = commands
	}
	commands[command] = h
}

// Remove unregisters (channel, command). The channel entry is pruned once it
// has no commands left. It reports whether a handler was removed.
func (r *Registry) Remove(channel, command string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	commands, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := commands[command]; !ok {
		return false
	}
	delete(commands, command)
	if len(commands) == 0 {
		delete(r.channels, channel)
	}
	return true
}

// HasChannel reports whether any command is registered on channel.
func (r *Registry) HasChannel(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel]
	return ok
}

// Lookup returns the handler for (channel, command).
func (r *Registry) Lookup(channel, command string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	commands, ok := r.channels[channel]
	if !ok {
		return nil, false
	}
	h, ok := commands[command]
	return h, ok
}

// Routes lists registered pairs as "channel/command", sorted.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routes []string
	for channel, commands := range r.channels {
		for command := range commands {
			routes = append(routes, channel+"/"+command)
		}
	}
	sort.Strings(routes)
	return routes
}
