package model

import "time"

type HubStats struct {
	TotalSubjects     int           `json:"total_subjects"`
	ConnectedSubjects int           `json:"connected_subjects"`
	OpenRooms         int           `json:"open_rooms"`
	Uptime            time.Duration `json:"uptime"`
}
