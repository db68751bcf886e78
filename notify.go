package netsession

// Notifier is the user-facing notification surface. The session reports
// connect failures, handshake rejections and unexpected disconnects as
// warnings, send failures as errors, and forwards permission-denied replies.
//
// Implementations are called from the session executor and must not block
// for long.
type Notifier interface {
	Warn(title, message string, err error)
	Error(title, message string, err error)
	PermissionDenied(service, permission string, msg Message)
}

// LogNotifier writes notifications to a Logger.
type LogNotifier struct {
	logger Logger
}

// NewLogNotifier returns a Notifier backed by logger.
func NewLogNotifier(logger Logger) *LogNotifier {
	if logger == nil {
		logger = defaultLogger()
	}
	return &LogNotifier{logger: logger}
}

// Warn implements Notifier.
func (n *LogNotifier) Warn(title, message string, err error) {
	if err != nil {
		n.logger.Warn(message, "title", title, "error", err)
		return
	}
	n.logger.Warn(message, "title", title)
}

// Error implements Notifier.
func (n *LogNotifier) Error(title, message string, err error) {
	n.logger.Error(message, "title", title, "error", err)
}

// PermissionDenied implements Notifier.
func (n *LogNotifier) PermissionDenied(service, permission string, msg Message) {
	n.logger.Warn("permission denied",
		"service", service,
		"permission", permission,
		"type", msg.Type,
		"correlation", msg.Correlation)
}
