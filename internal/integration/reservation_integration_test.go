package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bitcoinstore/inventory-service-go/internal/db"
	"github.com/bitcoinstore/inventory-service-go/internal/events"
	"github.com/bitcoinstore/inventory-service-go/internal/httpapi"
	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
	"github.com/bitcoinstore/inventory-service-go/internal/keylock"
	"github.com/bitcoinstore/inventory-service-go/internal/reservation"
	"github.com/bitcoinstore/inventory-service-go/internal/scheduler"
	"github.com/bitcoinstore/inventory-service-go/internal/sequence"
)

const (
	tshirtSKU   = "btc-tshirt"
	minerSKU    = "btc-miner"
	minerSerial = "SN-100"
)

func TestReservationIntegration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	pgC, dbURL := startPostgres(ctx, t)
	defer terminateContainer(t, pgC)

	rabbitC, rabbitURL := startRabbitMQ(ctx, t)
	defer terminateContainer(t, rabbitC)

	logger := log.New(io.Discard, "", log.LstdFlags)
	require.NoError(t, db.RunMigrations(dbURL, logger))

	// Bind an observer queue before the service starts so no lifecycle event
	// is missed.
	observerConn := dialAMQP(ctx, t, rabbitURL)
	defer observerConn.Close()
	observerQueue := bindLifecycleObserver(t, observerConn)

	app := startReservationService(ctx, t, dbURL, rabbitURL)
	defer app.stop()

	client := &http.Client{Timeout: 5 * time.Second}

	// --- fungible lifecycle ---

	status, _ := doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/stock/", map[string]any{
		"sku":          tshirtSKU,
		"initialStock": 10,
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/fungible", map[string]any{
		"sku":        tshirtSKU,
		"qty":        6,
		"userId":     "user-1",
		"ttlSeconds": 300,
	})
	require.Equal(t, http.StatusCreated, status)

	var held reservation.Reservation
	require.NoError(t, json.Unmarshal(body, &held))
	require.NotEmpty(t, held.ID)
	require.Equal(t, 6, held.Qty)
	require.False(t, held.Expired)

	stock := getStock(ctx, t, client, app.baseURL, tshirtSKU)
	require.Equal(t, 10, stock.AmountInStock)
	require.Equal(t, 6, stock.AmountReserved)

	// The remaining 4 units cannot cover another 6.
	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/fungible", map[string]any{
		"sku":        tshirtSKU,
		"qty":        6,
		"userId":     "user-2",
		"ttlSeconds": 300,
	})
	require.Equal(t, http.StatusConflict, status)

	// Deleting a SKU with an active hold is refused.
	status = doDelete(ctx, t, client, app.baseURL+"/api/stock/"+tshirtSKU)
	require.Equal(t, http.StatusConflict, status)

	// Cancel restores the full capacity.
	status = doDelete(ctx, t, client, app.baseURL+"/api/reservations/"+held.ID)
	require.Equal(t, http.StatusOK, status)

	stock = getStock(ctx, t, client, app.baseURL, tshirtSKU)
	require.Equal(t, 0, stock.AmountReserved)

	// Cancelling again is an idempotent no-op.
	status = doDelete(ctx, t, client, app.baseURL+"/api/reservations/"+held.ID)
	require.Equal(t, http.StatusOK, status)

	stock = getStock(ctx, t, client, app.baseURL, tshirtSKU)
	require.Equal(t, 0, stock.AmountReserved)

	// A short-lived hold travels through the delay queue and is released by
	// the expiration consumer without any client involvement.
	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/fungible", map[string]any{
		"sku":        tshirtSKU,
		"qty":        2,
		"userId":     "user-3",
		"ttlSeconds": 1,
	})
	require.Equal(t, http.StatusCreated, status)
	waitForReservedAmount(ctx, t, client, app.baseURL, tshirtSKU, 0)

	// --- non-fungible lifecycle ---

	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/items/", map[string]any{
		"sku":    minerSKU,
		"serial": minerSerial,
	})
	require.Equal(t, http.StatusCreated, status)

	status, body = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/nonfungible", map[string]any{
		"serial":     minerSerial,
		"userId":     "user-1",
		"ttlSeconds": 300,
	})
	require.Equal(t, http.StatusCreated, status)

	var itemHold reservation.Reservation
	require.NoError(t, json.Unmarshal(body, &itemHold))
	require.Equal(t, minerSKU, itemHold.SKU)

	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/nonfungible", map[string]any{
		"serial":     minerSerial,
		"userId":     "user-2",
		"ttlSeconds": 300,
	})
	require.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/"+itemHold.ID+"/fulfill", nil)
	require.Equal(t, http.StatusOK, status)

	item := getItem(ctx, t, client, app.baseURL, minerSerial)
	require.True(t, item.Sold)
	require.False(t, item.Reserved)

	// Sold is terminal.
	status, _ = doJSON(ctx, t, client, http.MethodPost, app.baseURL+"/api/reservations/nonfungible", map[string]any{
		"serial":     minerSerial,
		"userId":     "user-3",
		"ttlSeconds": 300,
	})
	require.Equal(t, http.StatusConflict, status)

	// Every transition above produced a lifecycle event on the topic
	// exchange; the first one is the creation of the six-unit hold.
	env := waitForEnvelope(ctx, t, observerConn, observerQueue)
	require.NoError(t, env.Validate(events.EventNameReservationCreated, 1))
	require.Equal(t, held.ID, env.PartitionKey)
}

type reservationApp struct {
	baseURL string
	stop    func()
}

func startReservationService(ctx context.Context, t *testing.T, dbURL, rabbitURL string) *reservationApp {
	t.Helper()

	pool, err := db.NewPool(ctx, dbURL)
	require.NoError(t, err)

	conn := dialAMQP(ctx, t, rabbitURL)
	logger := log.New(io.Discard, "", log.LstdFlags)

	ledger := inventory.NewPostgresLedger(pool, logger)
	registry := inventory.NewPostgresRegistry(pool)
	resRepo := reservation.NewPostgresRepository(pool)
	guard := keylock.NewGuard()

	seqRepo := sequence.NewRepository(pool)
	pub, err := events.NewPublisher(conn, seqRepo, events.PublisherOptions{})
	require.NoError(t, err)

	sched, err := events.NewDelayScheduler(conn)
	require.NoError(t, err)

	svc := reservation.NewService(ledger, registry, resRepo, guard, sched, logger,
		reservation.WithPublisher(pub),
	)

	serviceCtx, cancel := context.WithCancel(ctx)
	expire := func(ctx context.Context, id string) error {
		_, err := svc.Expire(ctx, id)
		return err
	}
	require.NoError(t, events.StartExpirationConsumer(serviceCtx, conn, expire, logger))

	sweeper := scheduler.NewSweeper(svc, time.Second, 100, logger)
	go sweeper.Run(serviceCtx)

	handler := httpapi.NewHandler(svc, ledger, registry)
	router := httpapi.NewRouter(handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return &reservationApp{
		baseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		stop: func() {
			cancel()
			_ = sched.Close()
			_ = pub.Close()
			_ = conn.Close()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
			pool.Close()

			select {
			case err := <-errCh:
				t.Logf("server error: %v", err)
			default:
			}
		},
	}
}

func startPostgres(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "inventory"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/inventory?sslmode=disable", host, mappedPort.Port())
	return container, dsn
}

func startRabbitMQ(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	return container, fmt.Sprintf("amqp://guest:guest@%s:%s/", host, mappedPort.Port())
}

func terminateContainer(t *testing.T, c testcontainers.Container) {
	t.Helper()
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Terminate(terminateCtx))
}

func dialAMQP(ctx context.Context, t *testing.T, rabbitURL string) *amqp.Connection {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := amqp.DialConfig(rabbitURL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 5 * time.Second,
			}).DialContext(dialCtx, network, addr)
		},
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	require.NoError(t, err)
	return conn
}

// bindLifecycleObserver declares a queue bound to every reservation lifecycle
// routing key and returns its name.
func bindLifecycleObserver(t *testing.T, conn *amqp.Connection) string {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.ExchangeDeclare(events.EventsExchange, "topic", true, false, false, false, nil))

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, "reservation.#", events.EventsExchange, false, nil))
	return q.Name
}

func waitForEnvelope(ctx context.Context, t *testing.T, conn *amqp.Connection, queue string) events.EventEnvelope {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for a lifecycle event: %v", pollCtx.Err())
		default:
		}

		msg, ok, getErr := ch.Get(queue, true)
		require.NoError(t, getErr)
		if ok {
			var env events.EventEnvelope
			require.NoError(t, json.Unmarshal(msg.Body, &env))
			return env
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

func doJSON(ctx context.Context, t *testing.T, client *http.Client, method, url string, payload any) (int, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func doDelete(ctx context.Context, t *testing.T, client *http.Client, url string) int {
	t.Helper()
	status, _ := doJSON(ctx, t, client, http.MethodDelete, url, nil)
	return status
}

func getStock(ctx context.Context, t *testing.T, client *http.Client, baseURL, sku string) inventory.FungibleStock {
	t.Helper()

	status, body := doJSON(ctx, t, client, http.MethodGet, baseURL+"/api/stock/"+sku, nil)
	require.Equal(t, http.StatusOK, status)

	var stock inventory.FungibleStock
	require.NoError(t, json.Unmarshal(body, &stock))
	return stock
}

func getItem(ctx context.Context, t *testing.T, client *http.Client, baseURL, serial string) inventory.NonFungibleItem {
	t.Helper()

	status, body := doJSON(ctx, t, client, http.MethodGet, baseURL+"/api/items/"+serial, nil)
	require.Equal(t, http.StatusOK, status)

	var item inventory.NonFungibleItem
	require.NoError(t, json.Unmarshal(body, &item))
	return item
}

func waitForReservedAmount(ctx context.Context, t *testing.T, client *http.Client, baseURL, sku string, expected int) {
	t.Helper()

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for %s to reach amountReserved=%d: %v", sku, expected, pollCtx.Err())
		default:
		}

		if stock := getStock(ctx, t, client, baseURL, sku); stock.AmountReserved == expected {
			return
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
