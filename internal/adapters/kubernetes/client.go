package kubernetes

import (
	"context"
	"fmt"

	"faas-control/internal/adapters/instancehttp"
	"faas-control/internal/config"

	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	apiv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

const (
	faasNamespace = "faas-instances"
	appName       = "faas-instance"
	instancePort  = 8000
)

// Client runs one instance Deployment and Service per application in a
// dedicated namespace. It implements instances.Runtime; per-function
// load/unload/health goes over the instance admin API.
type Client struct {
	*instancehttp.Client

	clientset *kubernetes.Clientset
	lg        zerolog.Logger
	cfg       config.Config
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return &Client{
		Client:    instancehttp.New(),
		clientset: clientset,
		lg:        lg.With().Str("adapter", "kubernetes").Logger(),
		cfg:       cfg,
	}, nil
}

func resourceName(appID string) string {
	return appName + "-" + appID
}

// Provision creates (or replaces) the application's instance
// Deployment and Service and returns the in-cluster service address.
func (c *Client) Provision(ctx context.Context, appID string) (string, error) {
	name := resourceName(appID)
	labels := map[string]string{
		"app":      appName,
		"faas/app": appID,
	}
	replicas := int32(1)

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: faasNamespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: apiv1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: apiv1.PodSpec{
					Containers: []apiv1.Container{
						{
							Name:  "instance",
							Image: c.cfg.WorkerImage,
							Env: []apiv1.EnvVar{
								{Name: "APP_ID", Value: appID},
							},
							Ports: []apiv1.ContainerPort{
								{ContainerPort: instancePort},
							},
						},
					},
				},
			},
		},
	}

	deployments := c.clientset.AppsV1().Deployments(faasNamespace)
	if _, err := deployments.Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		if !errors.IsAlreadyExists(err) {
			return "", fmt.Errorf("create deployment: %w", err)
		}
		if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
			return "", fmt.Errorf("update deployment: %w", err)
		}
	}

	service := &apiv1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: faasNamespace,
			Labels:    labels,
		},
		Spec: apiv1.ServiceSpec{
			Selector: labels,
			Ports: []apiv1.ServicePort{
				{
					Port:       instancePort,
					TargetPort: intstr.FromInt32(instancePort),
				},
			},
		},
	}

	services := c.clientset.CoreV1().Services(faasNamespace)
	if _, err := services.Create(ctx, service, metav1.CreateOptions{}); err != nil && !errors.IsAlreadyExists(err) {
		return "", fmt.Errorf("create service: %w", err)
	}

	addr := fmt.Sprintf("%s.%s.svc.cluster.local:%d", name, faasNamespace, instancePort)
	c.lg.Info().Str("app_id", appID).Str("address", addr).Msg("instance deployment created")
	return addr, nil
}

// Terminate deletes the application's instance Deployment and Service.
func (c *Client) Terminate(ctx context.Context, appID string) error {
	name := resourceName(appID)
	c.lg.Info().Str("app_id", appID).Msg("deleting instance deployment")

	err := c.clientset.AppsV1().Deployments(faasNamespace).
		Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}

	err = c.clientset.CoreV1().Services(faasNamespace).
		Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}
