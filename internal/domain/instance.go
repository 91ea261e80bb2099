package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/paddock-dev/paddock/internal/redact"
)

// Status is the lifecycle state of an Instance. Absence from the registry
// means destroyed.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// legal status transitions. Rotation re-enters starting from running or error.
var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusError},
	StatusRunning:  {StatusStarting, StatusError},
	StatusError:    {StatusStarting},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the status counts against the per-owner and
// platform-wide caps.
func (s Status) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

// OwnerChannelPrefix marks owner identifiers that belong to a messaging
// channel rather than a web account.
const OwnerChannelPrefix = "channel:"

// IsChannelOwner reports whether the owner identifier is a channel pseudo-id.
func IsChannelOwner(owner string) bool {
	return strings.HasPrefix(owner, OwnerChannelPrefix)
}

// ChannelAddress extracts the messaging address from a channel pseudo-owner id.
func ChannelAddress(owner string) string {
	return strings.TrimPrefix(owner, OwnerChannelPrefix)
}

// EventEntry is one line of an instance's append-only event log.
type EventEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Instance is one provisioned sandbox running an agent gateway, owned by
// exactly one user or channel identity.
type Instance struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Status        Status       `json:"status"`
	Port          int          `json:"port"`
	Token         string       `json:"-"`
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	Persona       string       `json:"persona,omitempty"`
	DashboardPath string       `json:"dashboardPath,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	Events        []EventEntry `json:"events"`
}

// ContainerName derives the runtime container name for the instance.
func (i *Instance) ContainerName() string {
	return ContainerNameFor(i.ID)
}

// VolumeName derives the stable data-volume name for the instance. The volume
// outlives the container across credential rotation.
func (i *Instance) VolumeName() string {
	return "paddock-data-" + i.ID
}

// ContainerNamePrefix is the naming convention shared by every instance
// container; the reconciler matches against it.
const ContainerNamePrefix = "paddock-inst-"

// ContainerNameFor derives the container name for an instance id.
func ContainerNameFor(id string) string {
	return ContainerNamePrefix + id
}

// InstanceIDFromContainer reverses ContainerNameFor; ok is false when the name
// does not follow the platform convention.
func InstanceIDFromContainer(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, ContainerNamePrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, ContainerNamePrefix)
	return id, id != ""
}

// LogEvent appends a timestamped, secret-redacted line to the event log.
func (i *Instance) LogEvent(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	msg = redact.Token(msg, i.Token)
	i.Events = append(i.Events, EventEntry{At: time.Now().UTC(), Message: msg})
}

// SetStatus applies a lifecycle transition, rejecting illegal ones.
func (i *Instance) SetStatus(next Status) error {
	if i.Status == next {
		return nil
	}
	if !i.Status.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s", i.Status, next)
	}
	i.Status = next
	return nil
}

// LinkedAccount maps a web account to a messaging-channel address.
type LinkedAccount struct {
	AccountID string    `json:"accountId"`
	Address   string    `json:"address"`
	LinkedAt  time.Time `json:"linkedAt"`
}

// ChannelSession is per-channel-address state maintained jointly by the
// messaging collaborator and the link negotiator.
type ChannelSession struct {
	Address    string    `json:"address"`
	State      string    `json:"state"`
	InstanceID string    `json:"instanceId,omitempty"`
	AccountID  string    `json:"accountId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
