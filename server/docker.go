package main

import (
	"context"
	"time"

	"github.com/docker/docker/client"
	"github.com/gammadia/nodepool/provisioner/local"
	"github.com/gammadia/nodepool/server/log"
)

// dockerClient connects to the Docker daemon configured in the environment.
// Docker pools are optional, so an unreachable daemon is only reported and
// nil is returned, leaving the mechanism to connect on its own.
func dockerClient() local.DockerClient {
	log.Debug("Creating docker client")
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn("Failed to create docker client", "error", err)
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err = docker.Ping(pingCtx); err != nil {
		log.Debug("Docker daemon is not reachable, docker pools will fail", "error", err)
	}
	return docker
}
