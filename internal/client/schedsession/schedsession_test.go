package schedsession

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessage_Builder(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"builder","ip":"10.0.0.5","port":8080,"id":"42","extraArgs":["-g"]}`))
	require.NoError(t, r.Err)
	require.Equal(t, OutcomeBuilder, r.Outcome)
	assert.Equal(t, "10.0.0.5", r.Builder.IP)
	assert.EqualValues(t, 8080, r.Builder.Port)
	assert.Equal(t, "42", r.Builder.ID)
	assert.Equal(t, []string{"-g"}, r.Builder.ExtraArgs)
}

func TestHandleMessage_LegacySlaveType(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"slave","ip":"10.0.0.5","port":8080,"id":"7"}`))
	require.NoError(t, r.Err)
	assert.Equal(t, OutcomeBuilder, r.Outcome)
	assert.Equal(t, "7", r.Builder.ID)
}

func TestHandleMessage_NeedsEnvironment(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"needsEnvironment"}`))
	require.NoError(t, r.Err)
	assert.Equal(t, OutcomeNeedsEnvironment, r.Outcome)
}

func TestHandleMessage_VersionMismatch(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"version_mismatch","minimum_version":"2.0.0"}`))
	require.NoError(t, r.Err)
	assert.Equal(t, OutcomeVersionMismatch, r.Outcome)
	assert.Equal(t, "2.0.0", r.MinimumVersion)
}

func TestHandleMessage_VersionVerified(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"version_verified","minimum_version":"1.0.0"}`))
	require.NoError(t, r.Err)
	assert.Equal(t, OutcomeVersionVerified, r.Outcome)
}

func TestHandleMessage_UnknownType(t *testing.T) {
	r := HandleMessage([]byte(`{"type":"bogus"}`))
	assert.Error(t, r.Err)
}

func TestHandleMessage_Garbage(t *testing.T) {
	r := HandleMessage([]byte(`{{{`))
	assert.Error(t, r.Err)
}

func TestBuilder_AddrPrefersHostname(t *testing.T) {
	b := Builder{IP: "10.0.0.5", Hostname: "builder1.local", Port: 8080}
	assert.Equal(t, "builder1.local:8080", b.Addr())

	b.Hostname = ""
	assert.Equal(t, "10.0.0.5:8080", b.Addr())
}

func TestHeaders_FullSet(t *testing.T) {
	h := Headers(HeaderParams{
		EnvironmentHash: "envhash",
		SourceFile:      "foo.cpp",
		ClientName:      "hgcc",
		User:            "alice",
		NPMVersion:      "1.0.0",
		ConfigVersion:   "1",
		Fingerprint:     "deadbeef",
	})
	assert.Equal(t, "envhash", h.Get("x-fisk-environments"))
	assert.Equal(t, "foo.cpp", h.Get("x-fisk-sourcefile"))
	assert.Equal(t, "hgcc", h.Get("x-fisk-client-name"))
	assert.Equal(t, "alice", h.Get("x-fisk-user"))
	assert.Equal(t, "1.0.0", h.Get("x-fisk-npm-version"))
	assert.Equal(t, "1", h.Get("x-fisk-config-version"))
	assert.Equal(t, "deadbeef", h.Get("x-fisk-md5"))
}

func TestHeaders_FingerprintOmittedWhenEmpty(t *testing.T) {
	h := Headers(HeaderParams{EnvironmentHash: "e"})
	assert.Empty(t, h.Get("x-fisk-md5"))
}

func TestWireMessage_RoundTrip(t *testing.T) {
	in := wireMessage{Type: "builder", IP: "1.2.3.4", Hostname: "h", Port: 9, ID: "x", Environment: "env", ExtraArgs: []string{"-O2"}}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	var out wireMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
