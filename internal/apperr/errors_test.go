package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/matryer/is"
)

func TestKindSurvivesWrapping(t *testing.T) {
	is := is.New(t)

	err := fmt.Errorf("failed to enqueue: %w", Conflict("valve_inactive", "valve is inactive"))

	is.Equal(KindOf(err), KindConflict)
	is.Equal(As(err).Reason, "valve_inactive")
	is.Equal(KindOf(err).HTTPStatus(), http.StatusConflict)
}

func TestUntypedErrorsAreInternal(t *testing.T) {
	is := is.New(t)

	err := As(errors.New("boom"))

	is.Equal(err.Kind, KindInternal)
	is.Equal(err.Kind.HTTPStatus(), http.StatusInternalServerError)
	is.True(errors.Unwrap(err) != nil)
}
