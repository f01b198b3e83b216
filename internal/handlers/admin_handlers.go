package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BytePhi0/edulearn/internal/domain"
)

func parseUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// ListUsers returns a paginated user listing for administrators.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	users, err := h.authService.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	infos := make([]*domain.UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, users[i].ToUserInfo())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":  infos,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUserID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id", "INVALID_INPUT")
		return
	}

	user, err := h.authService.GetUser(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", "NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUserID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id", "INVALID_INPUT")
		return
	}

	var req domain.UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	user, err := h.authService.UpdateUser(r.Context(), id, &req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found", "NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// DeactivateUser soft-deletes: the row is kept, login is blocked.
func (h *Handlers) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUserID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id", "INVALID_INPUT")
		return
	}

	if err := h.authService.DeactivateUser(r.Context(), id); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "User deactivated",
	})
}
