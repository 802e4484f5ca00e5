package sim

import "github.com/aps-2idd/s2driver/pv"

// Endstation builds the 2-ID-D microprobe: sample stages samx, samy and
// samz at the origin, the step and fly scan records, detectors, shutter,
// filters and saveData with files under fileSystem.
func Endstation(m *pv.Memory, fileSystem string) *IOC {
	i := New(m)
	i.AddMotor("2idd:m40", 0)
	i.AddMotor("2idd:m39", 0)
	i.AddMotor("2idd:m36", 0)

	i.AddScanner("2idd:scan1", "", "2idd:AbortScans.PROC")
	i.AddScanner("2idd:scan2", "2idd:scan1", "2idd:AbortScans.PROC")
	i.AddScanner("2idd:FscanH", "", "2idd:FAbortScans.PROC")
	i.AddScanner("2idd:Fscan1", "2idd:FscanH", "2idd:FAbortScans.PROC")
	m.Set("2idd:scan1.T1PV", "2iddXMAP:EraseStart")
	m.Set("2idd:scan1.T2PV", "2idd:3820:scaler1.CNT")
	m.Set("2idd:FscanH.P1PV", "2idd:m40.VAL")

	m.Set("2idd:Flyscans:Setup:DwellTime.VAL", 0)
	m.Set("2iddXMAP:PresetReal", 0)
	m.Set("2iddXMAP:Acquiring", 0)
	m.Set("2idd:3820:scaler1.TP", 0)
	m.Set("2idd:3820:ElapsedReal", 0)
	m.Set("QMPX3:cam1:AcquirePeriod", 0)

	i.AddShutter("2idd:s1:openShutter.PROC", "2idd:s1:closeShutter.PROC", "2idd:s1:shutterOpen")
	i.AddFilters("2idd:s1:sendCommand", "2idd:s1:filter")
	i.AddSaveData("2idd:", fileSystem, "2024-1/user", "2idd", 1)
	return i
}
