// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ApiServer is the server's network listener. It currently carries the
// standard gRPC health service; clients use it for liveness probing of the
// Director and Matchmaker processes.
type ApiServer struct {
	logger       *zap.Logger
	grpcServer   *grpc.Server
	healthServer *health.Server
}

// StartApiServer opens the configured listen endpoint, with TLS when both a
// certificate and a private key are configured.
func StartApiServer(logger *zap.Logger, config Config) *ApiServer {
	serverOpts := make([]grpc.ServerOption, 0, 1)
	certPath, keyPath := config.GetCertificatePath(), config.GetPrivateKeyPath()
	if certPath != "" && keyPath != "" {
		creds, err := credentials.NewServerTLSFromFile(certPath, keyPath)
		if err != nil {
			logger.Fatal("Could not load TLS certificate", zap.Error(err))
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	grpcServer := grpc.NewServer(serverOpts...)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &ApiServer{
		logger:       logger,
		grpcServer:   grpcServer,
		healthServer: healthServer,
	}

	listener, err := net.Listen("tcp", config.GetListenEndpoint())
	if err != nil {
		logger.Fatal("Could not open listen endpoint", zap.String("endpoint", config.GetListenEndpoint()), zap.Error(err))
	}
	logger.Info("Starting API server", zap.String("endpoint", config.GetListenEndpoint()), zap.Bool("tls", len(serverOpts) > 0))
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
}
