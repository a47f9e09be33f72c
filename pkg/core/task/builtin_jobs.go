package task

import (
	"errors"
	"time"
)

func builtinJobs() map[string]Job {
	return map[string]Job{
		"Job.noop": JobFunc(func(jc *JobContext) error {
			return nil
		}),
		"Job.wait": JobFunc(waitJob),
		"Job.fail": JobFunc(func(jc *JobContext) error {
			msg := jc.GetOptionString("message")
			if msg == "" {
				msg = "task failed"
			}
			return errors.New(msg)
		}),
	}
}

// waitJob 等待duration毫秒，可被取消
func waitJob(jc *JobContext) error {
	duration, err := jc.GetOptionDuration("duration")
	if err != nil {
		return err
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-jc.Done():
		return jc.Err()
	}
}
