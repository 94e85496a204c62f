// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/servoice/internal/domain"
)

// Repository defines the durable storage used by the call engine.
type Repository interface {
	// UpsertConversation creates or updates the conversation row keyed by its ID.
	UpsertConversation(ctx context.Context, conv *domain.Conversation) error

	// InsertMessages writes one batch of messages atomically. Messages whose
	// ID already exists are skipped. Returns the number of rows inserted.
	InsertMessages(ctx context.Context, sessionID string, msgs []domain.Message) (int64, error)

	// GetConversation retrieves a conversation by ID. Returns nil when absent.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListMessages returns the stored messages of a conversation in order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// ResolveLine maps a dialed E.164 number to its line. Returns nil when unknown.
	ResolveLine(ctx context.Context, e164 string) (*domain.PhoneLine, error)

	// UpsertLine creates or updates an inbound line.
	UpsertLine(ctx context.Context, line *domain.PhoneLine) error

	// FindOrCreateContact returns the contact for a caller number, creating it if needed.
	FindOrCreateContact(ctx context.Context, phoneNumber string) (*domain.Contact, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
