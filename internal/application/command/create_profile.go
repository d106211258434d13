package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pulsecard/studysync/internal/domain/profile"
	"github.com/pulsecard/studysync/internal/domain/shared"
)

// CreateProfileCommand provisions the record of a freshly signed-in identity.
type CreateProfileCommand struct {
	Identity    profile.Identity
	DisplayName string

	// AvatarRef defaults to the first built-in avatar.
	AvatarRef string
}

// CreateProfileResult contains the created record.
type CreateProfileResult struct {
	Identity profile.Identity
	Record   profile.Record
}

// CreateProfileHandler handles CreateProfileCommand.
type CreateProfileHandler struct {
	store     profile.Store
	publisher shared.EventPublisher
	config    Config
	logger    *slog.Logger
}

// NewCreateProfileHandler creates a new CreateProfileHandler.
func NewCreateProfileHandler(store profile.Store, publisher shared.EventPublisher, config Config) *CreateProfileHandler {
	config = config.withDefaults()
	return &CreateProfileHandler{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    config.Logger.With("command", "create_profile"),
	}
}

// Handle executes the create profile command.
// It returns shared.ErrProfileExists, unwrapped from any WriteFailure, when the
// identity already has a record.
func (h *CreateProfileHandler) Handle(ctx context.Context, cmd CreateProfileCommand) (*CreateProfileResult, error) {
	if cmd.Identity.IsZero() {
		return nil, fmt.Errorf("create_profile: %w", shared.ErrInvalidIdentity)
	}

	avatar := strings.TrimSpace(cmd.AvatarRef)
	if avatar == "" {
		avatar = profile.Avatars()[0]
	}

	rec, err := profile.NewRecord(cmd.DisplayName, avatar, profile.UniformGoals(h.config.DefaultGoal), h.config.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("create_profile: %w", err)
	}

	if err := h.store.Create(ctx, cmd.Identity, rec); err != nil {
		if errors.Is(err, shared.ErrProfileExists) {
			return nil, fmt.Errorf("create_profile: %w", err)
		}
		return nil, writeFailed(h.logger, h.publisher, cmd.Identity, "create_profile", err)
	}

	h.logger.Info("profile created", "identity", cmd.Identity, "display_name", rec.DisplayName)
	publishAll(h.logger, h.publisher, shared.NewProfileCreatedEvent(cmd.Identity.String(), rec.DisplayName, rec.AvatarRef))

	return &CreateProfileResult{Identity: cmd.Identity, Record: rec}, nil
}
