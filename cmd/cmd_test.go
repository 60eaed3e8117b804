package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/auth"
	"github.com/thenoetrevino/boardsync/internal/client"
	"github.com/thenoetrevino/boardsync/internal/config"
	"github.com/thenoetrevino/boardsync/internal/events"
)

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "u1", "--secret", "s3cret"})

	require.NoError(t, cmd.Execute())

	v, err := auth.NewVerifier(auth.Config{Secret: "s3cret"})
	require.NoError(t, err)
	userID, err := v.Authenticate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	cmd := tokenCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--secret", "s3cret"})

	assert.Error(t, cmd.Execute())
}

func TestWatchCmd_RequiresProject(t *testing.T) {
	cmd := watchCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--token", "t", "--no-cache"})

	err := cmd.Execute()

	assert.ErrorIs(t, err, errUsage)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitError},
		{fmt.Errorf("load: %w", config.ErrInvalid), ExitUsage},
		{events.Errorf(events.CodeUnauthorized, "bad token"), ExitUnauthorized},
		{fmt.Errorf("%w: dial refused", client.ErrGaveUp), ExitUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
