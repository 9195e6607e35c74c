package vacuum

// Feature is a bit set of vacuum capabilities advertised to the host.
type Feature uint32

const (
	FeatureTurnOn Feature = 1 << iota
	FeatureTurnOff
	FeaturePause
	FeatureStop
	FeatureReturnHome
	FeatureFanSpeed
	FeatureBattery
	FeatureStatus
	FeatureSendCommand
	FeatureLocate
	FeatureCleanSpot
	FeatureMap
	FeatureState
	FeatureStart
)

// SupportedFeatures is the fixed capability set of every Roborock entity.
const SupportedFeatures = FeatureTurnOn |
	FeatureTurnOff |
	FeaturePause |
	FeatureStop |
	FeatureReturnHome |
	FeatureFanSpeed |
	FeatureBattery |
	FeatureStatus |
	FeatureSendCommand |
	FeatureLocate |
	FeatureCleanSpot |
	FeatureMap |
	FeatureState |
	FeatureStart

var featureNames = []struct {
	flag Feature
	name string
}{
	{FeatureTurnOn, "turn_on"},
	{FeatureTurnOff, "turn_off"},
	{FeaturePause, "pause"},
	{FeatureStop, "stop"},
	{FeatureReturnHome, "return_home"},
	{FeatureFanSpeed, "fan_speed"},
	{FeatureBattery, "battery"},
	{FeatureStatus, "status"},
	{FeatureSendCommand, "send_command"},
	{FeatureLocate, "locate"},
	{FeatureCleanSpot, "clean_spot"},
	{FeatureMap, "map"},
	{FeatureState, "state"},
	{FeatureStart, "start"},
}

func (f Feature) Has(flag Feature) bool {
	return f&flag == flag
}

// Names lists the set flags in declaration order.
func (f Feature) Names() []string {
	out := make([]string, 0, len(featureNames))
	for _, entry := range featureNames {
		if f.Has(entry.flag) {
			out = append(out, entry.name)
		}
	}
	return out
}
