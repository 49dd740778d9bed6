package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/terraconstructs/iamsync/internal/db/models"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/repository"
	"github.com/terraconstructs/iamsync/internal/services/iam"
	"github.com/terraconstructs/iamsync/internal/services/reconcile"
)

type handlers struct {
	svc        iam.Service
	reconciler *reconcile.Reconciler
	logger     *logrus.Logger
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type statusRequest struct {
	Status models.UserStatus `json:"status"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type clientRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type toggleRoleRequest struct {
	RoleID string `json:"role_id"`
}

type evaluateRequest struct {
	Token string   `json:"token"`
	Names []string `json:"names"`
}

// pagination reads page and page_size; invalid values fall back to defaults.
func pagination(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return page, size
}

// ========================================
// Users
// ========================================

func (h *handlers) createUser(w http.ResponseWriter, r *http.Request) {
	var req iam.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.CreateUser(r.Context(), actorFrom(r.Context()), req), http.StatusCreated)
}

func (h *handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	writeResult(w, h.svc.ListUsers(r.Context(), page, size, r.URL.Query().Get("search")), http.StatusOK)
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.GetUser(r.Context(), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) updateUser(w http.ResponseWriter, r *http.Request) {
	var req iam.UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.UpdateUser(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req), http.StatusOK)
}

func (h *handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.DeleteUser(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) setUserRoles(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.SetUserRoles(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.IDs), http.StatusOK)
}

func (h *handlers) setUserStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.SetUserStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Status), http.StatusOK)
}

func (h *handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.ResetPassword(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.Password), http.StatusOK)
}

// ========================================
// Roles
// ========================================

func (h *handlers) createRole(w http.ResponseWriter, r *http.Request) {
	var req iam.RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.CreateRole(r.Context(), actorFrom(r.Context()), req), http.StatusCreated)
}

func (h *handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListRoles(r.Context()), http.StatusOK)
}

func (h *handlers) getRole(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.GetRole(r.Context(), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) updateRole(w http.ResponseWriter, r *http.Request) {
	var req iam.RoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.UpdateRole(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req), http.StatusOK)
}

func (h *handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.DeleteRole(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) setRoleUsers(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.SetRoleUsers(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.IDs), http.StatusOK)
}

func (h *handlers) getRoleResources(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.GetRoleResources(r.Context(), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) setRoleResources(w http.ResponseWriter, r *http.Request) {
	var req iam.ResourceGrantsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.SetRoleResourceGrants(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req), http.StatusOK)
}

// ========================================
// Audit, permissions, policy
// ========================================

func (h *handlers) listOperationLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := pagination(r)
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = iam.DefaultPageSize
	}
	filter := repository.OperationLogFilter{
		Operator:   q.Get("operator"),
		ObjectType: q.Get("object_type"),
		Action:     models.OperationAction(q.Get("action")),
		Search:     q.Get("search"),
		Page:       repository.Page{Offset: (page - 1) * size, Limit: size},
	}
	writeResult(w, h.svc.ListOperationLogs(r.Context(), filter), http.StatusOK)
}

func (h *handlers) checkPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeResult(w, h.svc.CheckPermission(r.Context(), q.Get("username"), q.Get("operation")), http.StatusOK)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, errs.Validation("reconciliation is not enabled"))
		return
	}
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))
	report, err := h.reconciler.Run(r.Context(), repair)
	if err != nil {
		h.logger.WithError(err).Error("reconciliation failed")
		writeError(w, errs.External(err, "reconciliation failed"))
		return
	}
	message := "no drift"
	if report.Drift() {
		message = "drift detected"
		if report.Repaired {
			message = "drift repaired"
		}
	}
	writeJSON(w, http.StatusOK, iam.Result{Result: true, Data: report, Message: message})
}

// ========================================
// Identity provider
// ========================================

func (h *handlers) listIdPUsers(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	writeResult(w, h.svc.ListIdPUsers(r.Context(), page, size, r.URL.Query().Get("search")), http.StatusOK)
}

func (h *handlers) listClientRoles(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListClientRoles(r.Context()), http.StatusOK)
}

func (h *handlers) createClientRole(w http.ResponseWriter, r *http.Request) {
	var req clientRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.CreateClientRole(r.Context(), actorFrom(r.Context()), req.Name, req.Description), http.StatusCreated)
}

func (h *handlers) deleteClientRole(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.DeleteClientRole(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) listClientRoleMembers(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	writeResult(w, h.svc.ListClientRoleMembers(r.Context(), chi.URLParam(r, "id"), page, size), http.StatusOK)
}

func (h *handlers) togglePermissionRole(w http.ResponseWriter, r *http.Request) {
	var req toggleRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.TogglePermissionRole(r.Context(), actorFrom(r.Context()), req.RoleID, chi.URLParam(r, "id")), http.StatusOK)
}

func (h *handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.svc.ListPermissions(r.Context()), http.StatusOK)
}

func (h *handlers) evaluatePermissions(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, h.svc.EvaluatePermissions(r.Context(), req.Token, req.Names), http.StatusOK)
}
