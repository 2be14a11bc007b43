package prekeyrepo

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/duskline/e2ee/internal/authn"
	"github.com/duskline/e2ee/internal/metrics"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[prekeyrepo] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type uploadSignedPrekeyRequest struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type uploadOneTimePrekeyRequest struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

type uploadRequest struct {
	IdentityKey    []byte                       `json:"identityKey"`
	SigningKey     []byte                       `json:"signingKey"`
	SignedPrekey   uploadSignedPrekeyRequest    `json:"signedPrekey"`
	OneTimePrekeys []uploadOneTimePrekeyRequest `json:"oneTimePrekeys"`
}

// UploadHandler implements POST /users/prekeys: the authenticated caller
// publishes their current identity, signed prekey, and a batch of one-time
// prekeys. The caller's identity is taken from the validated bearer token,
// never from the request body, so no one can publish a bundle on another
// user's behalf.
func UploadHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := authn.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if len(req.IdentityKey) != 32 || len(req.SigningKey) != 32 {
			writeError(w, http.StatusBadRequest, "identity and signing keys must be 32 bytes")
			return
		}
		if len(req.SignedPrekey.PublicKey) != 32 || len(req.SignedPrekey.Signature) != 64 {
			writeError(w, http.StatusBadRequest, "malformed signed prekey")
			return
		}

		oneTime := make([]OneTimePrekey, 0, len(req.OneTimePrekeys))
		for _, otk := range req.OneTimePrekeys {
			if len(otk.PublicKey) != 32 {
				writeError(w, http.StatusBadRequest, "malformed one-time prekey")
				return
			}
			oneTime = append(oneTime, OneTimePrekey{KeyID: otk.KeyID, PublicKey: otk.PublicKey})
		}

		signed := SignedPrekey{
			KeyID:     req.SignedPrekey.KeyID,
			PublicKey: req.SignedPrekey.PublicKey,
			Signature: req.SignedPrekey.Signature,
		}

		err := store.Upload(r.Context(), userID, req.IdentityKey, req.SigningKey, signed, oneTime)
		switch {
		case errors.Is(err, ErrUploadTooLarge):
			metrics.PrekeyUploadsTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, ErrUnconsumedTooMany):
			metrics.PrekeyUploadsTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			metrics.PrekeyUploadsTotal.WithLabelValues("rejected").Inc()
			writeError(w, http.StatusInternalServerError, "failed to store prekeys")
			return
		}

		metrics.PrekeyUploadsTotal.WithLabelValues("accepted").Inc()
		if count, err := store.CountUnconsumed(r.Context(), userID); err == nil {
			metrics.OneTimePrekeysRemaining.WithLabelValues(userID.String()).Set(float64(count))
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

type bundleResponse struct {
	IdentityKey   []byte                 `json:"identityKey"`
	SigningKey    []byte                 `json:"signingKey"`
	SignedPrekey  signedPrekeyResponse   `json:"signedPrekey"`
	OneTimePrekey *oneTimePrekeyResponse `json:"oneTimePrekey,omitempty"`
}

type signedPrekeyResponse struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type oneTimePrekeyResponse struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// FetchBundleHandler implements GET /users/{userId}/prekeys: any
// authenticated caller may fetch any other user's published bundle, since
// the whole point of a prekey directory is that bundles are public.
func FetchBundleHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authn.UserID(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		vars := mux.Vars(r)
		targetID, err := uuid.Parse(vars["userId"])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}

		bundle, err := store.FetchBundle(r.Context(), targetID)
		if errors.Is(err, ErrNotFound) {
			metrics.PrekeyBundleFetchesTotal.WithLabelValues("not_found").Inc()
			writeError(w, http.StatusNotFound, "no prekey bundle published for this user")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to fetch bundle")
			return
		}

		resp := bundleResponse{
			IdentityKey: bundle.IdentityKey,
			SigningKey:  bundle.SigningKey,
			SignedPrekey: signedPrekeyResponse{
				KeyID:     bundle.SignedPrekey.KeyID,
				PublicKey: bundle.SignedPrekey.PublicKey,
				Signature: bundle.SignedPrekey.Signature,
			},
		}
		if bundle.OneTimePrekey != nil {
			resp.OneTimePrekey = &oneTimePrekeyResponse{
				KeyID:     bundle.OneTimePrekey.KeyID,
				PublicKey: bundle.OneTimePrekey.PublicKey,
			}
			metrics.PrekeyBundleFetchesTotal.WithLabelValues("served").Inc()
		} else {
			metrics.PrekeyBundleFetchesTotal.WithLabelValues("no_onetime").Inc()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// Router wires the two prekey repository endpoints onto mux, behind bearer
// auth and the tiered per-user rate limiters.
func Router(router *mux.Router, store *Store, authenticator *authn.Authenticator, uploadLimit, fetchLimit func(http.Handler) http.Handler) {
	router.Handle("/users/prekeys", authenticator.Middleware(uploadLimit(UploadHandler(store)))).Methods(http.MethodPost)
	router.Handle("/users/{userId}/prekeys", authenticator.Middleware(fetchLimit(FetchBundleHandler(store)))).Methods(http.MethodGet)
}
