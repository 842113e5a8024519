package simulator

import "github.com/klipper-installer/installws"

// LogLine is one scripted installation_log event.
type LogLine struct {
	Level   string
	Message string
}

// Step is one scripted progress update and the log lines emitted with it.
type Step struct {
	Status      installws.InstallStatus
	Progress    int
	CurrentStep string
	Message     string
	Logs        []LogLine
}

// DefaultScript is a successful Klipper install on a typical 32-bit board.
func DefaultScript() []Step {
	return []Step{
		{
			Status: installws.StatusDownloading, Progress: 10, CurrentStep: "download",
			Message: "Fetching Klipper sources",
			Logs: []LogLine{
				{installws.LevelInfo, "Cloning https://github.com/Klipper3d/klipper"},
			},
		},
		{
			Status: installws.StatusBuilding, Progress: 35, CurrentStep: "build",
			Message: "Compiling firmware",
			Logs: []LogLine{
				{installws.LevelInfo, "Applying board configuration"},
				{installws.LevelDebug, "make -j4 out/klipper.bin"},
			},
		},
		{
			Status: installws.StatusFlashing, Progress: 70, CurrentStep: "flash",
			Message: "Flashing firmware",
			Logs: []LogLine{
				{installws.LevelInfo, "Flashing firmware"},
				{installws.LevelWarning, "Board did not reset automatically, retrying"},
			},
		},
		{
			Status: installws.StatusConfiguring, Progress: 90, CurrentStep: "configure",
			Message: "Writing printer.cfg",
			Logs: []LogLine{
				{installws.LevelInfo, "Generated printer.cfg"},
			},
		},
		{
			Status: installws.StatusCompleted, Progress: 100, CurrentStep: "done",
			Message: "Installation complete",
			Logs: []LogLine{
				{installws.LevelInfo, "Klipper service started"},
			},
		},
	}
}
