package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rendition(name string, ok bool, kind ErrorKind) RenditionArtifact {
	r := RenditionArtifact{Quality: QualityTarget{Name: name}, Status: RenditionSucceeded}
	if !ok {
		r.Status = RenditionFailed
		r.ErrorKind = kind
		r.Error = "encode failed"
	}
	return r
}

func TestPartialPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name       string
		policy     PartialPolicy
		renditions []RenditionArtifact
		wantErr    bool
	}{
		{"best-effort top failed", PolicyBestEffort, []RenditionArtifact{rendition("144p", true, ""), rendition("360p", true, ""), rendition("720p", false, KindTransientTool)}, false},
		{"best-effort floor failed", PolicyBestEffort, []RenditionArtifact{rendition("144p", false, KindTransientTool), rendition("360p", true, "")}, true},
		{"require-all one failed", PolicyRequireAll, []RenditionArtifact{rendition("144p", true, ""), rendition("360p", true, ""), rendition("720p", false, KindTransientTool)}, true},
		{"require-all all ok", PolicyRequireAll, []RenditionArtifact{rendition("144p", true, ""), rendition("360p", true, "")}, false},
		{"empty", PolicyBestEffort, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Evaluate(tt.renditions)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPartialPolicy_EvaluateCarriesRenditionKind(t *testing.T) {
	err := PolicyRequireAll.Evaluate([]RenditionArtifact{rendition("144p", true, ""), rendition("720p", false, KindTimeout)})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "720p")
}

func TestParsePartialPolicy(t *testing.T) {
	p, err := ParsePartialPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBestEffort, p)

	p, err = ParsePartialPolicy("Require-All")
	require.NoError(t, err)
	assert.Equal(t, PolicyRequireAll, p)

	_, err = ParsePartialPolicy("some")
	assert.Error(t, err)
}
