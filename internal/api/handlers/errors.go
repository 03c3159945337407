package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case apperrors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case apperrors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case apperrors.Is(err, apperrors.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case apperrors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
