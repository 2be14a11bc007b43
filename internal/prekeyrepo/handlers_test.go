package prekeyrepo

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// These handlers require authn.Middleware to run first and populate the
// request context with a validated user ID; called bare, they must reject
// every request as unauthorized before ever touching the store. That is
// what this file checks, since exercising the authenticated paths needs a
// live Postgres connection the test suite doesn't have.

func TestUploadHandlerRejectsUnauthenticatedBeforeKeyValidation(t *testing.T) {
	store := &Store{maxUploadBatch: 200, maxUnconsumedTotal: 500}
	r := httptest.NewRequest(http.MethodPost, "/users/prekeys", bytes.NewBufferString(
		`{"identityKey":"AAAA","signingKey":"AAAA","signedPrekey":{"keyId":1,"publicKey":"AAAA","signature":"AAAA"}}`))
	w := httptest.NewRecorder()

	UploadHandler(store).ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code, "request carries no authenticated user, so it must be rejected before touching the store")
}

func TestUploadHandlerRejectsUnauthenticatedBeforeBodyParsing(t *testing.T) {
	store := &Store{maxUploadBatch: 200, maxUnconsumedTotal: 500}
	r := httptest.NewRequest(http.MethodPost, "/users/prekeys", bytes.NewBufferString(`not json`))
	w := httptest.NewRecorder()

	UploadHandler(store).ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFetchBundleHandlerRejectsUnauthenticatedBeforeUserIDParsing(t *testing.T) {
	store := &Store{maxUploadBatch: 200, maxUnconsumedTotal: 500}
	r := httptest.NewRequest(http.MethodGet, "/users/not-a-uuid/prekeys", nil)
	w := httptest.NewRecorder()

	FetchBundleHandler(store).ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
