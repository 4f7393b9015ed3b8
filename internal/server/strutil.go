package server

import (
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
)

func equalFold(b []byte, s string) bool {
	return strcomp.EqualFold(uf.B2S(b), s)
}

func equalFoldStr(a, b string) bool {
	return strcomp.EqualFold(a, b)
}
