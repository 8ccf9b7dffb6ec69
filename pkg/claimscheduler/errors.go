package claimscheduler

import "errors"

var (
	errNoStoredRAV      = errors.New("claimscheduler: no stored RAV for channel/vmIdFragment")
	errInvalidChannelID = errors.New("claimscheduler: channelId is not a valid integer")
)
