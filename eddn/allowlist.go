package eddn

// eligibleEvents are the journal events uploaded to EDDN. Every one of
// them is coordinate-bearing: the journal schema requires StarPos.
var eligibleEvents = map[string]bool{
	"FSDJump":          true,
	"Location":         true,
	"CarrierJump":      true,
	"Scan":             true,
	"FSSDiscoveryScan": true,
	"SAASignalsFound":  true,
	"FSSBodySignals":   true,
}

// jumpEvents get Taxi/Multicrew injected from the session.
var jumpEvents = map[string]bool{
	"FSDJump":     true,
	"CarrierJump": true,
}

// backfillEvents may omit the system name and coordinates; the session
// fills them in.
var backfillEvents = map[string]bool{
	"Scan":             true,
	"FSSDiscoveryScan": true,
	"SAASignalsFound":  true,
	"FSSBodySignals":   true,
}

// factionEvents carry a Factions list and a SystemFaction record.
var factionEvents = map[string]bool{
	"FSDJump":     true,
	"Location":    true,
	"CarrierJump": true,
}

// factionFields are the keys kept inside each Factions entry. Personal
// fields (MyReputation, SquadronFaction, HappiestSystem, HomeSystem) are
// dropped.
var factionFields = set(
	"Name", "FactionState", "Government", "Influence", "Allegiance",
	"Happiness", "ActiveStates", "PendingStates", "RecoveringStates",
)

// alwaysAllowed survive every per-type allow-list.
var alwaysAllowed = set("timestamp", "event", "horizons", "odyssey")

var systemFields = []string{
	"StarSystem", "SystemAddress", "StarPos", "SystemAllegiance",
	"SystemEconomy", "SystemSecondEconomy", "SystemGovernment", "SystemSecurity",
	"Population", "Body", "BodyID", "BodyType", "Factions", "SystemFaction",
	"Conflicts", "Powers", "PowerplayState", "Taxi", "Multicrew",
}

var stationFields = []string{
	"Docked", "StationName", "StationType", "MarketID", "StationFaction",
	"StationGovernment", "StationAllegiance", "StationServices",
	"StationEconomy", "StationEconomies", "DistFromStarLS",
}

// allowedFields is the top-level allow-list per event type. Types not
// listed pass through unfiltered.
var allowedFields = map[string]map[string]bool{
	"FSDJump":     set(append(systemFields, "SystemState")...),
	"Location":    set(append(append([]string{}, systemFields...), stationFields...)...),
	"CarrierJump": set(append(append([]string{}, systemFields...), stationFields...)...),
	"Scan": set(
		"BodyName", "BodyID", "Parents", "StarSystem", "SystemAddress", "StarPos",
		"DistanceFromArrivalLS", "StarType", "Subclass", "StellarMass", "Radius",
		"AbsoluteMagnitude", "Age_MY", "SurfaceTemperature", "Luminosity",
		"SemiMajorAxis", "Eccentricity", "OrbitalInclination", "Periapsis",
		"OrbitalPeriod", "AscendingNode", "MeanAnomaly", "RotationPeriod",
		"AxialTilt", "Rings", "WasDiscovered", "WasMapped", "WasFootfalled",
		"PlanetClass", "Atmosphere", "AtmosphereType", "AtmosphereComposition",
		"Volcanism", "MassEM", "SurfaceGravity", "SurfacePressure", "Composition",
		"TerraformState", "TidalLock", "Landable", "Materials", "ReserveLevel",
	),
	"FSSDiscoveryScan": set(
		"BodyCount", "NonBodyCount", "SystemName", "SystemAddress", "StarSystem", "StarPos",
	),
	"SAASignalsFound": set(
		"BodyName", "SystemAddress", "BodyID", "Signals", "Genuses", "StarSystem", "StarPos",
	),
	"FSSBodySignals": set(
		"BodyName", "BodyID", "SystemAddress", "Signals", "StarSystem", "StarPos",
	),
}

// Eligible reports whether eventType is uploaded to EDDN.
func Eligible(eventType string) bool {
	return eligibleEvents[eventType]
}

func set(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = true
	}
	return out
}
