package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Problem responses follow RFC 7807. The type field distinguishes rejected
// trigger payloads from failures that never recorded an invocation outcome.
func respondProblem(c fiber.Ctx, status int, problemType string, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}

func badRequest(c fiber.Ctx, detail string) error {
	return respondProblem(c, fiber.StatusBadRequest, "trigger_validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	return respondProblem(c, fiber.StatusInternalServerError, "invocation_not_recorded", err.Error())
}
