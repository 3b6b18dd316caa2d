package queue

type CommandKind string

// Outbound repository-command kinds consumed by the publishing subsystem.
const (
	CmdInitRepository CommandKind = "init_repository"
	CmdDropPublish    CommandKind = "drop_publish"
	CmdPublish        CommandKind = "publish"
)

// Command is the outbound repository-command contract. Fields are populated
// per kind: init_repository carries the projectversion identity and
// architectures, drop_publish adds the channel, publish carries the build id.
type Command struct {
	Kind              CommandKind
	ProjectVersionID  int64
	BasemirrorProject string
	BasemirrorVersion string
	Project           string
	Version           string
	Architectures     []string
	Channel           string
	BuildID           int64
}

// Job describes one build dispatch to an execution backend.
type Job struct {
	BuildID        int64
	Token          string
	Version        string
	Architecture   string
	DistName       string
	DistVersion    string
	Channel        string
	SourceName     string
	Project        string
	ProjectVersion string
}

// Event is a build-lifecycle message; at most one field is set per message.
type Event struct {
	Schedule       *Job
	Started        int64
	Succeeded      int64
	Failed         int64
	NodeRegistered bool
}

// Request asks the scheduler for work; a nil Job requests a fresh scheduling
// pass over all pending builds.
type Request struct {
	Job *Job
}

// Notification asks the notification worker to inform subscribers about a
// finished build.
type Notification struct {
	BuildID int64
	Reason  string
}

// Queues bundles the channel handles wired at startup.
type Queues struct {
	Requests      *Queue[Request]
	Events        *Queue[Event]
	Commands      *Queue[Command]
	Notifications *Queue[Notification]
}

func NewQueues() *Queues {
	return &Queues{
		Requests:      New[Request](),
		Events:        New[Event](),
		Commands:      New[Command](),
		Notifications: New[Notification](),
	}
}

// CloseAll closes every queue, signalling all workers to finish.
func (qs *Queues) CloseAll() {
	qs.Requests.Close()
	qs.Events.Close()
	qs.Commands.Close()
	qs.Notifications.Close()
}
