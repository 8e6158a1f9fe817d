// SPDX-License-Identifier: Apache-2.0
// Copyright 2022 Open Networking Foundation

package providers

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

func newDockerClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// StartContainer runs image detached under name. ports take the docker run -p form,
// e.g. "127.0.0.1:9559:9559/tcp".
func StartContainer(ctx context.Context, image, name string, cmd []string, ports ...string) error {
	cli, err := newDockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	exposed, bindings, err := nat.ParsePortSpecs(ports)
	if err != nil {
		return err
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Cmd:          cmd,
			ExposedPorts: nat.PortSet(exposed),
		},
		&container.HostConfig{
			PortBindings: nat.PortMap(bindings),
			Privileged:   true,
		},
		nil, nil, name)
	if err != nil {
		return err
	}

	return cli.ContainerStart(ctx, created.ID, container.StartOptions{})
}

// RemoveContainer stops and deletes the container; a missing container is not an error.
func RemoveContainer(ctx context.Context, name string) error {
	cli, err := newDockerClient()
	if err != nil {
		return err
	}
	defer cli.Close()

	err = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}

	return err
}
