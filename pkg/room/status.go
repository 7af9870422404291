package room

// Status is the connection state of a room. Connect is accepted only from
// StatusInitial and StatusDisconnected; everywhere else it is a no-op.
type Status int

const (
	StatusInitial Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StorageStatus tracks storage synchronization independently of Status:
// the socket can be connected while the snapshot is still loading.
type StorageStatus int

const (
	StorageLoading StorageStatus = iota
	StorageSynchronizing
	StorageSynchronized
)

func (s StorageStatus) String() string {
	switch s {
	case StorageLoading:
		return "loading"
	case StorageSynchronizing:
		return "synchronizing"
	case StorageSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}
