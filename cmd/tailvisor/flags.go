package main

// SpecFlags Flag structs to decouple cobra from logic for testing.
type SpecFlags struct {
	Command   string
	User      string
	Name      string
	Dir       string
	Autostart bool
}

type ListFlags struct {
	JSON bool
}

type TailFlags struct {
	History bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
