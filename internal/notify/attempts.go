package notify

import (
	"sort"

	"github.com/akmatori/alertflow/internal/database"
)

func channelRank(ch database.Channel) int {
	for i, c := range channelOrder {
		if c == ch {
			return i
		}
	}
	return len(channelOrder)
}

func sortAttempts(as []database.NotificationAttempt) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].Channel != as[j].Channel {
			return channelRank(as[i].Channel) < channelRank(as[j].Channel)
		}
		if as[i].EventID != as[j].EventID {
			return as[i].EventID < as[j].EventID
		}
		return as[i].AttemptNumber < as[j].AttemptNumber
	})
}

// ForEvent returns every attempt made for one stream event
func (d *Dispatcher) ForEvent(eventID string) ([]database.NotificationAttempt, error) {
	var out []database.NotificationAttempt
	if err := d.db.Where("event_id = ?", eventID).Find(&out).Error; err != nil {
		return nil, database.MapError(err)
	}
	sortAttempts(out)
	return out, nil
}

// ForTarget returns every attempt about one alert or incident
func (d *Dispatcher) ForTarget(targetID string) ([]database.NotificationAttempt, error) {
	var out []database.NotificationAttempt
	if err := d.db.Where("target_event_id = ?", targetID).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, database.MapError(err)
	}
	sortAttempts(out)
	return out, nil
}

// Pending counts attempts still waiting to be sent
func (d *Dispatcher) Pending() (int64, error) {
	var n int64
	if err := d.db.Model(&database.NotificationAttempt{}).Where("status = ?", database.AttemptPending).Count(&n).Error; err != nil {
		return 0, database.MapError(err)
	}
	return n, nil
}
