package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	cacheport "github.com/go-chatty/chatty-dm/internal/infrastructure/cache/port"
	"github.com/go-chatty/chatty-dm/internal/logger"
	chat "github.com/go-chatty/chatty-dm/internal/pkg/chat/application/domain"
	repository "github.com/go-chatty/chatty-dm/internal/pkg/chat/persistence/repository/port"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pairCacheTTL bounds how long a pair -> conversation id mapping stays cached.
// The mapping never changes once written.
const pairCacheTTL = 24 * time.Hour

// ResolveConversationInput names the two users of a direct conversation.
// Order does not matter.
type ResolveConversationInput struct {
	UserID string
	PeerID string
}

type ResolveConversationOutput struct {
	ConversationID string
	Created        bool
}

// ResolveConversationUseCase returns the single conversation of a user pair,
// creating it on first use. Concurrent calls for the same pair agree on one id
// because creation is guarded by the storage uniqueness constraint.
type ResolveConversationUseCase struct {
	Repo  repository.ChatRepository
	Cache cacheport.Cache
	Clock func() time.Time
	Log   *zap.Logger
}

// NewResolveConversationUseCase builds the resolver. cache may be nil.
func NewResolveConversationUseCase(repo repository.ChatRepository, cache cacheport.Cache, log *zap.Logger) *ResolveConversationUseCase {
	return &ResolveConversationUseCase{
		Repo:  repo,
		Cache: cache,
		Clock: time.Now,
		Log:   logger.OrNop(log),
	}
}

func (uc *ResolveConversationUseCase) Execute(ctx context.Context, in ResolveConversationInput) (ResolveConversationOutput, error) {
	pair, err := chat.NewPair(in.UserID, in.PeerID)
	if err != nil {
		return ResolveConversationOutput{}, err
	}

	if id := uc.cached(ctx, pair); id != "" {
		return ResolveConversationOutput{ConversationID: id}, nil
	}

	conv, err := uc.Repo.FindConversationByPair(ctx, pair)
	if err == nil {
		uc.remember(ctx, pair, conv.ID)
		return ResolveConversationOutput{ConversationID: conv.ID}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return ResolveConversationOutput{}, unavailable(err)
	}

	now := uc.Clock().UTC().Truncate(time.Microsecond)
	conv = chat.Conversation{
		ID:        uuid.NewString(),
		Pair:      pair,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = uc.Repo.CreateConversation(ctx, conv)
	switch {
	case err == nil:
		uc.Log.Info("conversation created", zap.String("conversation_id", conv.ID))
		uc.remember(ctx, pair, conv.ID)
		return ResolveConversationOutput{ConversationID: conv.ID, Created: true}, nil
	case errors.Is(err, repository.ErrConflict):
		// another caller won the race; its row is the conversation
		winner, rerr := uc.Repo.FindConversationByPair(ctx, pair)
		if rerr != nil {
			return ResolveConversationOutput{}, unavailable(fmt.Errorf("re-read after conflict: %w", rerr))
		}
		uc.remember(ctx, pair, winner.ID)
		return ResolveConversationOutput{ConversationID: winner.ID}, nil
	default:
		return ResolveConversationOutput{}, unavailable(err)
	}
}

func pairCacheKey(p chat.Pair) string {
	return "pair:" + p.Low + ":" + p.High
}

// cached returns the cached id or "" on a miss. Cache failures degrade to a
// storage lookup.
func (uc *ResolveConversationUseCase) cached(ctx context.Context, p chat.Pair) string {
	if uc.Cache == nil {
		return ""
	}
	id, err := uc.Cache.Get(ctx, pairCacheKey(p))
	if err != nil {
		if !errors.Is(err, cacheport.ErrMiss) {
			uc.Log.Warn("pair cache read failed", zap.Error(err))
		}
		return ""
	}
	return id
}

func (uc *ResolveConversationUseCase) remember(ctx context.Context, p chat.Pair, id string) {
	if uc.Cache == nil {
		return
	}
	if err := uc.Cache.Set(ctx, pairCacheKey(p), id, pairCacheTTL); err != nil {
		uc.Log.Warn("pair cache write failed", zap.Error(err))
	}
}
