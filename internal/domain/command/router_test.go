package command

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

func TestRoute_Nmap(t *testing.T) {
	t.Parallel()
	cmd, err := Route("nmap", "example.com", []string{"-p", "443", "-sV"})
	require.NoError(t, err)
	require.Equal(t, "nmap", cmd.Tool)
	require.Equal(t, []string{"-oN", "-", "example.com", "-p", "443", "-sV"}, cmd.Argv)
	require.True(t, cmd.Success(0))
	require.False(t, cmd.Success(1))
}

func TestRoute_UnsupportedTool(t *testing.T) {
	t.Parallel()
	_, err := Route("metasploit", "example.com", nil)
	require.ErrorIs(t, err, scanerr.ErrUnsupportedTool)
	require.ErrorIs(t, err, scanerr.ErrValidation)
}

func TestRoute_RejectedFlag(t *testing.T) {
	t.Parallel()
	cases := [][]string{
		{"--script", "vuln"},      // not allow-listed
		{"-p"},                    // missing value
		{"-p", "-sV"},             // value smuggles an option
		{"-p", "443; rm -rf /"},   // metacharacters in value
	}
	for _, flags := range cases {
		_, err := Route("nmap", "example.com", flags)
		require.ErrorIs(t, err, scanerr.ErrRejectedFlag, "flags %v", flags)
	}
}

func TestRoute_FlagsNeverLeaveAllowList(t *testing.T) {
	t.Parallel()
	cmd, err := Route("nuclei", "https://example.com", []string{"-severity", "critical,high", "-rl", "50"})
	require.NoError(t, err)

	spec, _ := Spec("nuclei")
	base := map[string]bool{}
	for _, a := range spec.BaseArgs {
		base[a] = true
	}
	for _, a := range cmd.Argv {
		if strings.HasPrefix(a, "-") && !base[a] {
			_, ok := spec.AllowedFlags[a]
			require.True(t, ok, "argv element %q outside allow-list", a)
		}
	}
}

func TestRoute_InvalidTargetRejected(t *testing.T) {
	t.Parallel()
	_, err := Route("nmap", "example.com; rm -rf /", nil)
	require.ErrorIs(t, err, scanerr.ErrInvalidTarget)

	_, err = Route("sqlmap", "https://example.com/`id`", nil)
	require.ErrorIs(t, err, scanerr.ErrValidation)
}

func TestDisplay_IsCosmeticOnly(t *testing.T) {
	t.Parallel()
	cmd, err := Route("nmap", "example.com", []string{"-p", "443"})
	require.NoError(t, err)
	display := cmd.Display()
	require.Equal(t, "nmap -oN - example.com -p 443", display)
	// Argv stays discrete regardless of how the display string reads.
	require.Len(t, cmd.Argv, 5)
}

func TestRoute_EveryToolHasSaneSpec(t *testing.T) {
	t.Parallel()
	for _, name := range Tools() {
		spec, ok := Spec(name)
		require.True(t, ok)
		require.NotEmpty(t, spec.Image, "tool %s", name)
		require.NotEmpty(t, spec.SuccessCodes, "tool %s", name)
		require.Positive(t, spec.DefaultTimeout, "tool %s", name)
		require.Contains(t, spec.BaseArgs, targetPlaceholder, "tool %s", name)
	}
}
