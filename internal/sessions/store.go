// Package sessions persists conversations and their ordered message
// history, behind one Store interface with an in-memory and a SQL
// implementation.
package sessions

import (
	"context"
	"errors"

	"github.com/nexuscore/engine/pkg/models"
)

// ErrSessionNotFound is returned when a session id or key has no match.
var ErrSessionNotFound = errors.New("session not found")

// Store is the conversation persistence boundary the Request
// Orchestrator writes through: session CRUD, key-based lookup, and
// ordered message history per session.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error

	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error)
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions filters and pages List results.
type ListOptions struct {
	Channel models.ChannelType
	Limit   int
	Offset  int
}

// SessionKey derives the stable lookup key a (agent, channel, channel id)
// triple maps to.
func SessionKey(agentID string, channel models.ChannelType, channelID string) string {
	return agentID + ":" + string(channel) + ":" + channelID
}
