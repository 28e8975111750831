package notifications

import (
	"fmt"
	"strings"

	"github.com/parkzen/parkzend/pkg"
)

// NotificationType represents different types of user notifications
type NotificationType string

const (
	NotificationParkingSaved       NotificationType = "parking_saved"
	NotificationNewCarDetected     NotificationType = "new_car_detected"
	NotificationDeviceConnected    NotificationType = "device_connected"
	NotificationDeviceDisconnected NotificationType = "device_disconnected"
	NotificationGeofenceAlert      NotificationType = "geofence_alert"
	NotificationFixFailed          NotificationType = "fix_failed"
	NotificationDaemonStatus       NotificationType = "daemon_status"
	NotificationGeneric            NotificationType = "generic"
)

// Priority levels matching the Pushover API
const (
	PriorityLowest    = -2
	PriorityLow       = -1
	PriorityNormal    = 0
	PriorityHigh      = 1
	PriorityEmergency = 2
)

// Event is one user-facing notification
type Event struct {
	Type     NotificationType `json:"type"`
	Title    string           `json:"title"`
	Message  string           `json:"message"`
	Priority int              `json:"priority"`
}

// classify maps the core's plain-text messages onto typed events so
// per-type priorities and cooldowns apply. Unrecognized messages stay
// generic.
func classify(message string) NotificationType {
	switch {
	case message == "Parking location saved!":
		return NotificationParkingSaved
	case message == "Possible new car detected. Would you like to set this as your car?":
		return NotificationNewCarDetected
	case strings.HasPrefix(message, "Device connected:"):
		return NotificationDeviceConnected
	case strings.HasPrefix(message, "Device disconnected:"):
		return NotificationDeviceDisconnected
	case message == "Could not get a location fix. Your parking spot was not saved.":
		return NotificationFixFailed
	default:
		return NotificationGeneric
	}
}

// ParkingSavedEvent builds the rich variant of the parking-saved
// notification including the recorded coordinate
func ParkingSavedEvent(coord pkg.Coordinate) *Event {
	return &Event{
		Type:     NotificationParkingSaved,
		Title:    "Parking location saved",
		Message:  fmt.Sprintf("Parking location saved!\n(%.6f, %.6f)", coord.Lat, coord.Lon),
		Priority: PriorityNormal,
	}
}

// DaemonStatusEvent builds a daemon lifecycle notification
func DaemonStatusEvent(message string) *Event {
	return &Event{
		Type:     NotificationDaemonStatus,
		Title:    "parkzend",
		Message:  message,
		Priority: PriorityLow,
	}
}
