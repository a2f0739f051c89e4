package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const sandboxNetworkName = "docmend_sandbox"

// ensureSandboxNetwork creates or retrieves the bridge network snippets use
// for dependency installation. The network allows egress to package
// registries; ExtraHosts on the container block the host and gateway, and the
// container is disconnected from the network entirely before the snippet
// itself runs.
func ensureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox network: %w", err)
	}
	return resp.ID, nil
}
