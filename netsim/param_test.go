package netsim

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linkParam(attrbs []AttrbStruct, param, value string) ExpParameter {
	return *CreateExpParameter("Link", attrbs, param, value)
}

func TestReorderExpParams(t *testing.T) {
	named := linkParam([]AttrbStruct{{"name", "bottleneck"}}, "datarate", "1Mbps")
	role := linkParam([]AttrbStruct{{"role", "access"}}, "delay", "1ms")
	roleMedia := linkParam([]AttrbStruct{{"role", "access"}, {"media", "wired"}}, "delay", "2ms")
	wild := linkParam([]AttrbStruct{{"*", ""}}, "queuesize", "1000B")

	got := reorderExpParams([]ExpParameter{named, roleMedia, role, wild})
	require.Len(t, got, 4)
	assert.Equal(t, wild, got[0])
	assert.Equal(t, role, got[1])
	assert.Equal(t, roleMedia, got[2])
	assert.Equal(t, named, got[3])
}

func TestApplyParametersMostSpecificWins(t *testing.T) {
	tf, err := BuildDumbbell("p", Wired, DefaultLinkSet(Wired))
	require.NoError(t, err)

	params := []ExpParameter{
		linkParam([]AttrbStruct{{"name", "bottleneck"}}, "datarate", "2Mbps"),
		linkParam([]AttrbStruct{{"*", ""}}, "datarate", "50Mbps"),
		linkParam([]AttrbStruct{{"group", "left"}}, "lossrate", "0.05"),
	}
	require.NoError(t, tf.ApplyParameters(params))

	assert.Equal(t, "2Mbps", tf.LinkByName(BottleneckLink).Params.DataRate)
	assert.Equal(t, "50Mbps", tf.LinkByName(AccessLeftLink).Params.DataRate)
	assert.Equal(t, "50Mbps", tf.LinkByName(AccessRightLink).Params.DataRate)
	assert.InDelta(t, 0.05, tf.LinkByName(AccessLeftLink).Params.LossRate, 1e-12)
	assert.Zero(t, tf.LinkByName(AccessRightLink).Params.LossRate)
}

func TestApplyParametersRejectsInvalid(t *testing.T) {
	tf, err := BuildDumbbell("p", Wired, DefaultLinkSet(Wired))
	require.NoError(t, err)

	tests := map[string]ExpParameter{
		"object":    *CreateExpParameter("Router", []AttrbStruct{{"*", ""}}, "datarate", "1Mbps"),
		"attribute": linkParam([]AttrbStruct{{"color", "red"}}, "datarate", "1Mbps"),
		"param":     linkParam([]AttrbStruct{{"*", ""}}, "mtu", "1500"),
		"value":     linkParam([]AttrbStruct{{"*", ""}}, "delay", "later"),
		"loss":      linkParam([]AttrbStruct{{"*", ""}}, "lossrate", "1.5"),
		"none":      linkParam(nil, "delay", "1ms"),
	}
	for name, param := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, tf.ApplyParameters([]ExpParameter{param}))
		})
	}
	assert.Equal(t, "10Mbps", tf.LinkByName(BottleneckLink).Params.DataRate)
}

func TestAddAttribute(t *testing.T) {
	ep := CreateExpParameter("Link", nil, "delay", "1ms")
	require.NoError(t, ep.AddAttribute("group", "left"))
	require.NoError(t, ep.AddAttribute("group", "right"))
	require.NoError(t, ep.AddAttribute("role", "access"))
	assert.Error(t, ep.AddAttribute("role", "bottleneck"))
	assert.Error(t, ep.AddAttribute("color", "red"))
	assert.Len(t, ep.Attributes, 3)
}

func TestExpCfgFile(t *testing.T) {
	excfg := CreateExpCfg("lossy")
	require.NoError(t, excfg.AddParameter("Link", []AttrbStruct{{"role", "access"}}, "lossrate", "0.01"))
	assert.Error(t, excfg.AddParameter("Link", []AttrbStruct{{"role", "access"}}, "bandwidth", "1"))

	filename := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, excfg.WriteToFile(filename))
	back, err := ReadExpCfg(filename, true, nil)
	require.NoError(t, err)
	assert.Equal(t, excfg, back)
}
