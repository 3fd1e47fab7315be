// Package tasks implements scheduled tasks for the Avito autoanswer bot.
// It includes task definitions, dependencies, and registration mechanisms.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/database"
	"github.com/edgard/avito-autoanswer/internal/knowledge"
	"github.com/edgard/avito-autoanswer/internal/llm"
)

// ModelSource returns the LLM model selected by admins.
type ModelSource interface {
	Model(ctx context.Context) (string, error)
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Config *config.Config
	// Now is the clock used to expire sessions and to find finished
	// dialogs. Defaults to time.Now.
	Now func() time.Time

	// History mining collaborators. The task is a no-op without LLM.
	LLM    llm.Client
	Models ModelSource
	FAQ    *knowledge.FAQStore
	Cards  *knowledge.CardStore
}
