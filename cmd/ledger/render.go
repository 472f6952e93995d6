package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"fleetledger/internal/model"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

const timeLayout = "2006-01-02 15:04:05"

func operationStatus(s string) string {
	switch {
	case s == "success":
		return green(s)
	case strings.HasPrefix(s, "error"):
		return red(s)
	}
	return yellow(s)
}

func flowState(s model.FlowState) string {
	switch s {
	case model.FlowRunning:
		return blue(s)
	case model.FlowFinished:
		return green(s)
	case model.FlowCancelled:
		return yellow(s)
	}
	return red(s)
}

func huntState(s model.HuntState) string {
	switch s {
	case model.HuntStarted:
		return blue(s)
	case model.HuntCompleted:
		return green(s)
	case model.HuntStopped:
		return red(s)
	}
	return yellow(s)
}

func cronStatus(s model.CronRunStatus) string {
	switch s {
	case "":
		return faint("never run")
	case model.CronRunFinished:
		return green(s)
	case model.CronRunRunning:
		return blue(s)
	}
	return red(s)
}

func approvalState(req *model.ApprovalRequest, now time.Time) string {
	if !now.Before(req.ExpirationTime) {
		return red("expired")
	}
	if len(req.Grants) == 0 {
		return yellow("pending")
	}
	return green(fmt.Sprintf("%d grant(s)", len(req.Grants)))
}

func lease(by string, until *time.Time, now time.Time) string {
	if by == "" || until == nil || !until.After(now) {
		return faint("-")
	}
	return fmt.Sprintf("%s until %s", by, until.Format(timeLayout))
}

func duration(start time.Time, finished *time.Time) string {
	if finished == nil {
		return ""
	}
	return finished.Sub(start).Truncate(time.Millisecond).String()
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return faint("never")
	}
	return t.Format(timeLayout)
}
