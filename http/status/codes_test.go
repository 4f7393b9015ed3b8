package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigits(t *testing.T) {
	require.Equal(t, "200", Digits(OK))
	require.Equal(t, "099", Digits(99))
	require.Equal(t, "000", Digits(Undefined))
	require.Equal(t, "511", Digits(NetworkAuthenticationRequired))
	require.Equal(t, "000", Digits(Code(60000)))
}

func TestText(t *testing.T) {
	require.Equal(t, Status("Ok"), Text(OK))
	require.Equal(t, Status("Partial Content"), Text(PartialContent))
	require.Equal(t, Status("Requested Range Not Satisfiable"), Text(RequestedRangeNotSatisfiable))
	require.Equal(t, Status("Undefined"), Text(Code(599)))
}

func TestBodyForbidden(t *testing.T) {
	for _, code := range []Code{Continue, SwitchingProtocols, NoContent, NotModified} {
		require.True(t, BodyForbidden(code), "code %d", code)
	}

	for _, code := range []Code{OK, PartialContent, BadRequest, InternalServerError} {
		require.False(t, BodyForbidden(code), "code %d", code)
	}
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, LengthRequired, CodeOf(ErrLengthRequired))
	require.Equal(t, BadRequest, CodeOf(NewError(BadRequest, "x")))
}
