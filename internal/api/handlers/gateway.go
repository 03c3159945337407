package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/campaign-dispatcher/internal/gateway"
)

type sessionResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	QRCode    string `json:"qrcode,omitempty"`
	URLCode   string `json:"urlcode,omitempty"`
}

func (h *HandlerSet) sessionStatus(ctx *fiber.Ctx) error {
	if h.session == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "gateway session management is not configured")
	}
	state, err := h.session.SessionStatus(ctx.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
	return ctx.Status(http.StatusOK).JSON(toSessionResponse(state))
}

func (h *HandlerSet) startSession(ctx *fiber.Ctx) error {
	if h.session == nil {
		return fiber.NewError(http.StatusServiceUnavailable, "gateway session management is not configured")
	}
	state, err := h.session.StartSession(ctx.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
	return ctx.Status(http.StatusAccepted).JSON(toSessionResponse(state))
}

func toSessionResponse(state *gateway.SessionState) sessionResponse {
	if state == nil {
		return sessionResponse{}
	}
	return sessionResponse{
		Status:    state.Status,
		Connected: state.Connected(),
		QRCode:    state.QRCode,
		URLCode:   state.URLCode,
	}
}
