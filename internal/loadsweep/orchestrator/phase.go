package orchestrator

// Phase is a stage of a run. Phases run in the order they are declared.
type Phase int

const (
	Connect Phase = iota
	Reset
	Distribute
	GenerateConfigs
	Build
	LaunchInfrastructure
	RunLoop
	TeardownInfrastructure
	Finalize
)

var phaseNames = map[Phase]string{
	Connect:                "Connect",
	Reset:                  "Reset",
	Distribute:             "Distribute",
	GenerateConfigs:        "GenerateConfigs",
	Build:                  "Build",
	LaunchInfrastructure:   "LaunchInfrastructure",
	RunLoop:                "RunLoop",
	TeardownInfrastructure: "TeardownInfrastructure",
	Finalize:               "Finalize",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Unknown"
}

// LoadPoint is one offered load of the sweep.
type LoadPoint struct {
	Index       int
	OfferedLoad int64
}
