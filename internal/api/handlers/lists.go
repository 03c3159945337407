package handlers

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type listInfoResponse struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type listListsResponse struct {
	Lists []listInfoResponse `json:"lists"`
}

type uploadListResponse struct {
	Name string       `json:"name"`
	Load loadResponse `json:"load"`
}

// uploadList stores the "contacts" file of a multipart form under its own
// file name.
func (h *HandlerSet) uploadList(ctx *fiber.Ctx) error {
	header, err := ctx.FormFile("contacts")
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "contacts file is required")
	}
	f, err := header.Open()
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "contacts file is unreadable")
	}
	defer f.Close()

	name := filepath.Base(header.Filename)
	res, err := h.lists.Save(name, f)
	if err != nil {
		return translateError(err)
	}
	h.logger.Info("contact list stored", zap.String("list", name), zap.Int("contacts", len(res.Contacts)))

	return ctx.Status(http.StatusCreated).JSON(uploadListResponse{
		Name: name,
		Load: loadResponse{
			Delimiter: string(res.Delimiter),
			Rows:      res.Rows,
			Accepted:  len(res.Contacts),
			Dropped:   res.Dropped,
			Malformed: res.Malformed,
			Unnamed:   res.Unnamed,
		},
	})
}

func (h *HandlerSet) listLists(ctx *fiber.Ctx) error {
	lists, err := h.lists.List()
	if err != nil {
		return translateError(err)
	}
	resp := listListsResponse{Lists: make([]listInfoResponse, 0, len(lists))}
	for _, l := range lists {
		resp.Lists = append(resp.Lists, listInfoResponse{Name: l.Name, Size: l.Size, ModifiedAt: l.ModTime})
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) deleteList(ctx *fiber.Ctx) error {
	name := ctx.Params("name")
	if err := h.lists.Delete(name); err != nil {
		return translateError(err)
	}
	h.logger.Info("contact list deleted", zap.String("list", name))
	return ctx.SendStatus(http.StatusNoContent)
}
