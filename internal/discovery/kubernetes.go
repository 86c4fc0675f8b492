package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// KubernetesConnector inventories nodes and deployments of one cluster.
// kubeconfig is optional; empty means in-cluster credentials.
type KubernetesConnector struct {
	clientset *kubernetes.Clientset
	cluster   string
}

func NewKubernetesConnector(kubeconfig, cluster string) (*KubernetesConnector, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	if cluster == "" {
		cluster = "default"
	}
	return &KubernetesConnector{clientset: clientset, cluster: cluster}, nil
}

func (c *KubernetesConnector) Provider() string { return "kubernetes" }

func (c *KubernetesConnector) Discover(ctx context.Context) ([]Resource, error) {
	var resources []Resource

	nodes, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	for _, n := range nodes.Items {
		payload, _ := json.Marshal(map[string]any{
			"name":            n.Name,
			"kubelet_version": n.Status.NodeInfo.KubeletVersion,
			"os_image":        n.Status.NodeInfo.OSImage,
			"labels":          n.Labels,
		})
		resources = append(resources, Resource{
			Kind:       "node",
			ExternalID: c.cluster + "/node/" + n.Name,
			Name:       n.Name,
			Region:     nodeRegion(n),
			Payload:    payload,
		})
	}

	deployments, err := c.clientset.AppsV1().Deployments("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range deployments.Items {
		payload, _ := json.Marshal(map[string]any{
			"name":      d.Name,
			"namespace": d.Namespace,
			"replicas":  d.Status.Replicas,
			"labels":    d.Labels,
		})
		resources = append(resources, Resource{
			Kind:       "deployment",
			ExternalID: c.cluster + "/deployment/" + d.Namespace + "/" + d.Name,
			Name:       d.Namespace + "/" + d.Name,
			Payload:    payload,
		})
	}

	return resources, nil
}

// nodeRegion prefers the topology region label and falls back to the zone,
// which is all some on-prem distributions set.
func nodeRegion(n corev1.Node) string {
	if region := n.Labels["topology.kubernetes.io/region"]; region != "" {
		return region
	}
	return n.Labels["topology.kubernetes.io/zone"]
}
