package access

import "github.com/bec-project/bec-atlas/pkg/models"

// OperationType is the coarse kind of a remote operation
type OperationType string

const (
	OpRead  OperationType = "read"
	OpWrite OperationType = "write"
)

// RemoteAccessFor derives a principal's remote access level on a deployment.
// Groups, username and email all count as identities; a match in the write
// list yields read_write even if another identity only matched the read list.
func RemoteAccessFor(user *models.User, grant *models.DeploymentAccess) Level {
	if user == nil || grant == nil {
		return None
	}
	ids := make(map[string]struct{})
	for _, id := range user.Identities() {
		ids[id] = struct{}{}
	}

	level := None
	if intersects(ids, grant.RemoteReadAccess) {
		level = Read
	}
	if intersects(ids, grant.RemoteWriteAccess) {
		level = ReadWrite
	}
	return level
}

// Allows reports whether a remote level permits an operation type.
// Reads need read or read_write; writes need read_write.
func (l Level) Allows(op OperationType) bool {
	switch op {
	case OpRead:
		return l == Read || l == ReadWrite
	case OpWrite:
		return l == ReadWrite
	}
	return false
}

func intersects(set map[string]struct{}, list []string) bool {
	for _, v := range list {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
