package web

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/tickerlab/stepflow/pkg/events"
	"github.com/tickerlab/stepflow/pkg/worker"
)

// Invoker executes one trigger to completion.
type Invoker interface {
	Handle(ctx context.Context, trigger events.RunChanged) (worker.Outcome, error)
}

type Handlers struct {
	invoker  Invoker
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandlers(invoker Invoker, validate *validator.Validate, logger *slog.Logger) *Handlers {
	return &Handlers{
		invoker:  invoker,
		validate: validate,
		logger:   logger,
	}
}

// PostEvent accepts one pushed change notification and runs the invocation
// synchronously. The worker classifies every outcome itself, so delivery
// errors here mean the request never reached it.
func (h *Handlers) PostEvent(c fiber.Ctx) error {
	var req TriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, "Invalid trigger: "+err.Error())
	}

	trigger := events.NewRunChanged(req.Subject, req.Source, req.Data)
	if req.ID != "" {
		trigger.ID = req.ID
	} else {
		trigger.ID = uuid.New().String()
	}

	outcome, err := h.invoker.Handle(c.Context(), trigger)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "invocation failed before recording an outcome",
			"eventId", trigger.ID, "error", err)

		return internalError(c, err)
	}

	return c.JSON(TriggerResponse{Outcome: string(outcome)})
}
