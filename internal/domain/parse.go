package domain

import (
	"regexp"
	"strconv"
	"strings"
)

// rentalTrigger is the fixed marker phrase the source bot puts into every
// rental notification. Everything else in the message is free-form.
const rentalTrigger = "Транспорт сдан в аренду!"

var (
	reServer    = regexp.MustCompile(`Сервер:\s*(.+)`)
	reCharacter = regexp.MustCompile(`Персонаж:\s*(.+?)\s*#(\d+)`)
	reVehicle   = regexp.MustCompile(`Транспорт:\s*(.+)`)
	rePlate     = regexp.MustCompile(`Номер транспорта:\s*(.+)`)
	rePrice     = regexp.MustCompile(`Цена:\s*\$?([\d\s]+)`)
	reDuration  = regexp.MustCompile(`Длительность:\s*(\d+)\s*(часов|часа|час|дней|дня|день)`)
	reRenter    = regexp.MustCompile(`Арендатор:\s*(.+)`)
)

// IsRentalTrigger reports whether the text is a rental notification.
func IsRentalTrigger(text string) bool {
	return strings.Contains(text, rentalTrigger)
}

// ParseRental extracts a rental record from the source bot's labeled-field
// template. It returns (nil, false) when the trigger phrase is absent or any
// of the mandatory fields (server, vehicle, plate, price, duration) is missing
// or unparsable. Character and renter are optional and default to empty.
func ParseRental(text string) (*ParsedRental, bool) {
	if !IsRentalTrigger(text) {
		return nil, false
	}

	server := firstGroup(reServer, text)
	vehicle := firstGroup(reVehicle, text)
	plate := firstGroup(rePlate, text)
	priceRaw := firstGroup(rePrice, text)
	durMatch := reDuration.FindStringSubmatch(text)

	if server == "" || vehicle == "" || plate == "" || priceRaw == "" || durMatch == nil {
		return nil, false
	}

	// Thousands groups are space-separated ("$1 500"); the capture may also
	// pick up the trailing newline, so strip all whitespace before parsing.
	price, err := strconv.ParseInt(strings.Join(strings.Fields(priceRaw), ""), 10, 64)
	if err != nil {
		return nil, false
	}

	durValue, err := strconv.ParseFloat(durMatch[1], 64)
	if err != nil {
		return nil, false
	}
	// Day units normalize to hours; every other recognized unit is hours already.
	durHours := durValue
	if strings.HasPrefix(durMatch[2], "д") {
		durHours = durValue * 24
	}

	parsed := &ParsedRental{
		Server:        server,
		VehicleName:   vehicle,
		PlateNumber:   plate,
		Price:         price,
		DurationHours: durHours,
		RenterName:    firstGroup(reRenter, text),
	}
	if m := reCharacter.FindStringSubmatch(text); m != nil {
		parsed.CharacterName = strings.TrimSpace(m[1])
		parsed.CharacterID = strings.TrimSpace(m[2])
	}
	return parsed, true
}

func firstGroup(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
