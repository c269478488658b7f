package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}

func TestSplitObjectNameNestsEvaluationFolder(t *testing.T) {
	at := time.Unix(1700000000, 0)

	folder, publicID := splitObjectName("gema/scripts", "evaluation-3/student 12.PDF", at)
	require.Equal(t, "gema/scripts/evaluation-3", folder)
	require.Equal(t, "student-12-1700000000.pdf", publicID)

	folder, publicID = splitObjectName("gema/scripts", "???.pdf", at)
	require.Equal(t, "gema/scripts", folder)
	require.Equal(t, "script-1700000000.pdf", publicID)
}
