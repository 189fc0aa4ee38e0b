package httpjson_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunaaoguzhann/token-activity/internal/httpjson"
)

func TestWriteError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	httpjson.WriteError(rec, http.StatusTeapot, "short_and_stout", "here is my handle")

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body httpjson.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "short_and_stout", body.Error)
	assert.Equal(t, "here is my handle", body.Message)
}

func TestDecode(t *testing.T) {
	t.Parallel()
	var v struct {
		Name string `json:"name"`
	}
	require.NoError(t, httpjson.Decode(strings.NewReader(`{"name":"alice"}`), &v))
	assert.Equal(t, "alice", v.Name)

	assert.Error(t, httpjson.Decode(strings.NewReader(`{"name":`), &v))
	assert.Error(t, httpjson.Decode(strings.NewReader(`{"name":"a"} {"name":"b"}`), &v))
}
