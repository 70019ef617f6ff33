// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/go-logr/logr"
	"github.com/modhub/modhub/internal/metrics"
)

const sweepTag = "sweepOrphans"

type Sweeper interface {
	SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error)
}

type SchedulerConfig struct {
	Log         logr.Logger
	Sweeper     Sweeper
	Interval    time.Duration
	GracePeriod time.Duration
	Metrics     *metrics.Metrics
}

// createScheduler return gocron.scheduler with job(s)
func (sfg *SchedulerConfig) createScheduler(ctx context.Context) *gocron.Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SetMaxConcurrentJobs(1, gocron.WaitMode)

	if sfg.Interval > 0 {
		sfg.createJob(ctx, s)
	}

	if len(s.Jobs()) == 0 {
		return nil
	}

	return s
}

// createJob creates scheduler job
func (sfg *SchedulerConfig) createJob(ctx context.Context, s *gocron.Scheduler) {
	_, err := s.Every(sfg.Interval).WaitForSchedule().Tag(sweepTag).Do(func() {
		removed, _ := sfg.handler(ctx)
		sfg.Log.Info("result", "removed", removed)
	})
	if err != nil {
		sfg.Log.Error(err, "error creating job")
	}
}

// handler removes orphaned blobs older than the grace period
func (sfg *SchedulerConfig) handler(ctx context.Context) (int, error) {
	sfg.Log.Info("Job", "time", time.Now().Unix(), "gracePeriod", sfg.GracePeriod.String())

	removed, err := sfg.Sweeper.SweepOrphans(ctx, sfg.GracePeriod)
	sfg.Metrics.ObserveSweep(removed, err)
	if err != nil {
		sfg.Log.Error(err, "failed to sweep orphaned blobs")
		return removed, err
	}
	return removed, nil
}

// StartScheduler starts all job(s) for created scheduler and stops them
// once ctx is done
func (sfg *SchedulerConfig) StartScheduler(ctx context.Context) {
	s := sfg.createScheduler(ctx)

	if s == nil {
		sfg.Log.Info("no scheduler to start")
		return
	}

	sfg.Log.Info("starting scheduler")
	s.StartAsync()

	go func() {
		<-ctx.Done()
		sfg.Log.Info("stopping scheduler")
		s.Stop()
	}()
}
