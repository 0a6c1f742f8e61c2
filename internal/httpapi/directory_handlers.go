package httpapi

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"modguard.org/internal/auth"
	"modguard.org/internal/directory"
	"modguard.org/internal/roles"
)

type ensureUserRequest struct {
	ID string `json:"id"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type createGroupRequest struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

type settingRequest struct {
	Value string `json:"value"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req ensureUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.dir.EnsureUser(r.Context(), req.ID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/role"); ok {
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.setUserRole(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/deactivate"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deactivateUser(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, err := a.dir.GetUser(r.Context(), path)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) setUserRole(w http.ResponseWriter, r *http.Request, id string) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := roles.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowGlobal(w, r, roles.PermManageUsers) {
		return
	}
	user, err := a.dir.SetUserRole(r.Context(), id, role)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request, id string) {
	if !a.allowGlobal(w, r, roles.PermManageUsers) {
		return
	}
	user, err := a.dir.DeactivateUser(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleGroupsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowGlobal(w, r, roles.PermManageGroups) {
		return
	}
	group, err := a.dir.CreateGroup(r.Context(), req.ID, req.OwnerID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/groups/"+group.ID)
	writeJSON(w, http.StatusCreated, group)
}

func (a *API) handleGroupResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, rest, ok := strings.Cut(path, "/"); ok {
		switch {
		case rest == "members" && r.Method == http.MethodPost:
			a.addMember(w, r, id)
		case strings.HasPrefix(rest, "members/") && r.Method == http.MethodDelete:
			a.removeMember(w, r, id, strings.TrimPrefix(rest, "members/"))
		case rest == "admins" && r.Method == http.MethodPost:
			a.promoteAdmin(w, r, id)
		case strings.HasPrefix(rest, "admins/") && r.Method == http.MethodDelete:
			a.demoteAdmin(w, r, id, strings.TrimPrefix(rest, "admins/"))
		case strings.HasPrefix(rest, "settings/") && r.Method == http.MethodPut:
			a.setSetting(w, r, id, strings.TrimPrefix(rest, "settings/"))
		case strings.HasPrefix(rest, "settings/") && r.Method == http.MethodDelete:
			a.unsetSetting(w, r, id, strings.TrimPrefix(rest, "settings/"))
		default:
			writeError(w, r, http.StatusNotFound, "resource not found")
		}
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	group, err := a.dir.GetGroup(r.Context(), path)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(group))
}

type groupResponse struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	Members   []string          `json:"members"`
	Admins    []string          `json:"admins"`
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func toGroupResponse(g directory.Group) groupResponse {
	members := g.MemberIDs()
	admins := g.AdminIDs()
	sort.Strings(members)
	sort.Strings(admins)
	return groupResponse{
		ID:        g.ID,
		OwnerID:   g.OwnerID,
		Members:   members,
		Admins:    admins,
		Settings:  g.Settings,
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request, groupID string) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowScoped(w, r, roles.PermManageMembers, groupID) {
		return
	}
	if err := a.dir.AddMember(r.Context(), groupID, req.UserID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	if !a.allowScoped(w, r, roles.PermManageMembers, groupID) {
		return
	}
	if err := a.dir.RemoveMember(r.Context(), groupID, userID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) promoteAdmin(w http.ResponseWriter, r *http.Request, groupID string) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowScoped(w, r, roles.PermManageGroupAdmins, groupID) {
		return
	}
	if err := a.dir.PromoteAdmin(r.Context(), groupID, req.UserID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) demoteAdmin(w http.ResponseWriter, r *http.Request, groupID, userID string) {
	if !a.allowScoped(w, r, roles.PermManageGroupAdmins, groupID) {
		return
	}
	if err := a.dir.DemoteAdmin(r.Context(), groupID, userID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) setSetting(w http.ResponseWriter, r *http.Request, groupID, key string) {
	var req settingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !a.allowScoped(w, r, roles.PermManageSettings, groupID) {
		return
	}
	if err := a.dir.SetGroupSetting(r.Context(), groupID, key, req.Value); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) unsetSetting(w http.ResponseWriter, r *http.Request, groupID, key string) {
	if !a.allowScoped(w, r, roles.PermManageSettings, groupID) {
		return
	}
	if err := a.dir.UnsetGroupSetting(r.Context(), groupID, key); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// allowGlobal gates an endpoint on a global permission. Service principals
// pass; user principals go through the resolver (and its audit trail).
func (a *API) allowGlobal(w http.ResponseWriter, r *http.Request, perm roles.Permission) bool {
	return a.allowScoped(w, r, perm, "")
}

func (a *API) allowScoped(w http.ResponseWriter, r *http.Request, perm roles.Permission, groupID string) bool {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing credentials")
		return false
	}
	if p.IsService() {
		return true
	}
	decision, err := a.resolver.Check(r.Context(), p.UserID, perm, groupID)
	if err != nil {
		handleDomainError(w, r, err)
		return false
	}
	if !decision.Allowed {
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return false
	}
	return true
}
