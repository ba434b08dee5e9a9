package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chakresh/securechat/internal/common"
	"github.com/chakresh/securechat/internal/server/auth"
	"github.com/chakresh/securechat/internal/server/users"
)

type userPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	PublicKey   string `json:"ecdhPublicKey"`
}

type authResponse struct {
	Token      string      `json:"token"`
	User       userPayload `json:"user"`
	PrivateKey string      `json:"ecdhPrivateKey,omitempty"`
}

func toAuthResponse(res *users.AuthResult) authResponse {
	return authResponse{
		Token: res.Token,
		User: userPayload{
			ID:          res.User.ID,
			Username:    res.User.Username,
			DisplayName: res.User.DisplayName,
			Role:        res.User.Role,
			PublicKey:   res.User.PublicKey,
		},
		PrivateKey: res.PrivateKey,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleRegister creates a self-registered account and returns the token,
// the user, and the freshly generated private key for client-side import.
func (g *Gateway) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	res, err := g.accounts.Register(r.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			writeError(w, http.StatusBadRequest, "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(res))
}

// HandleLogin verifies credentials, issues a token, and attempts private key
// recovery with the supplied password. Recovery failure does not fail the
// login; the response simply omits the key material.
func (g *Gateway) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	res, err := g.accounts.Login(r.Context(), req.Username, req.Password, true)
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			writeError(w, http.StatusBadRequest, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(res))
}

// HandleUploadKey overwrites the caller's active public key.
func (g *Gateway) HandleUploadKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id, err := auth.VerifyToken(bearerToken(r), g.secret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication error")
		return
	}

	var req struct {
		PublicKey string `json:"ecdhPublicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "missing ecdhPublicKey")
		return
	}

	if err := g.accounts.UploadPublicKey(r.Context(), id.UserID, req.PublicKey); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
