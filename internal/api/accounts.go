package api

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/skip2/go-qrcode"

	"github.com/whatsapp-automation/engine/internal/models"
)

const qrSize = 512

// CreateAccountRequest for POST /accounts
type CreateAccountRequest struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	DeviceName string `json:"device_name"`
	StoreKey   string `json:"store_key"`
}

func (r CreateAccountRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Kind, validation.In(models.AccountKindUser, models.AccountKindService)),
		validation.Field(&r.StoreKey, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.DeviceName, validation.Length(0, 255)),
	)
}

// POST /accounts
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = models.AccountKindUser
	}

	acc := models.AccountConfig{
		TenantID:   tenantOf(r),
		Kind:       req.Kind,
		Name:       req.Name,
		DeviceName: req.DeviceName,
		StoreKey:   req.StoreKey,
	}
	if err := s.Store.CreateAccount(r.Context(), &acc); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, acc)
}

// GET /accounts
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accs, err := s.Store.ListAccounts(r.Context(), tenantOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, accs)
}

// GET /accounts/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.Sessions.Status(r.Context(), tenantOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

// LoginCodeRequest for POST /accounts/{id}/login/code
type LoginCodeRequest struct {
	Identity string `json:"identity"`
}

func (r LoginCodeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Identity, validation.Required, validation.Length(3, 32)),
	)
}

// POST /accounts/{id}/login/code
func (s *Server) handleLoginCode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req LoginCodeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	res, err := s.Sessions.RequestCode(ctx, tenantOf(r), id, req.Identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// VerifyRequest for POST /accounts/{id}/login/verify
type VerifyRequest struct {
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (r VerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required.When(r.Password == "")),
	)
}

// POST /accounts/{id}/login/verify
func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req VerifyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	res, err := s.Sessions.VerifyCode(ctx, tenantOf(r), id, req.Code, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// POST /accounts/{id}/login/qr
//
// Responds with the PNG itself when ?format=png, otherwise with the raw
// payload and the PNG bytes in the envelope.
func (s *Server) handleLoginQR(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	payload, err := s.Sessions.RequestQR(ctx, tenantOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "png" {
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"qr":  payload,
		"png": png,
	})
}

// POST /accounts/{id}/login/await
func (s *Server) handleLoginAwait(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.withDeadline(w, r, longTimeout)
	defer cancel()

	res, err := s.Sessions.AwaitLogin(ctx, tenantOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

// POST /accounts/{id}/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Sessions.Logout(r.Context(), tenantOf(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"logged_out": true})
}
