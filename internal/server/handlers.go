package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// webSocketHandler validates and admits an upgrade request, then serves the
// connection on the request goroutine until it closes.
func (s *Server) webSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	release, reason := s.admit()
	if release == nil {
		s.metrics.UpgradeRejected(reason)
		s.log.Warn().Str("remote", r.RemoteAddr).Str("reason", reason).Msg("Rejecting WebSocket upgrade")
		http.Error(w, "Service unavailable: "+reason, http.StatusServiceUnavailable)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.serveConn(conn, r)
}

// healthHandler provides a simple health check endpoint that returns server status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Event server is running!")
}

// statsHandler reports live session, room and process figures as JSON.
func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		s.log.Error().Err(err).Msg("Error writing stats response")
	}
}

// testPageHandler serves an HTML page for trying the event protocol from a
// browser.
func (s *Server) testPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	page := strings.Replace(testPage, "{{WS_PATH}}", s.cfg.Server.Path, 1)
	if _, err := fmt.Fprint(w, page); err != nil {
		s.log.Error().Err(err).Msg("Error writing HTML response")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Event Server Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { 
            border: 1px solid #ccc; 
            height: 300px; 
            padding: 10px; 
            overflow-y: scroll; 
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { 
            width: 300px; 
            padding: 5px; 
            margin-right: 10px;
        }
        button { 
            padding: 5px 15px; 
            background-color: #007cba; 
            color: white; 
            border: none; 
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { 
            margin: 10px 0; 
            padding: 5px; 
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Event Server Test</h1>
    
    <div id="status" class="status disconnected">Disconnected</div>
    
    <div>
        <input type="text" id="roomInput" placeholder="Room" value="lobby" disabled>
        <button id="joinButton" onclick="joinRoom()" disabled>Join</button>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    
    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const roomInput = document.getElementById('roomInput');
        const joinButton = document.getElementById('joinButton');

        function emit(name, args) {
            ws.send(JSON.stringify({event: name, args: args}));
        }

        function addMessage(message, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';
            
            if (type === 'sent') {
                messageElement.style.color = 'blue';
                messageElement.innerHTML = '<strong>You:</strong> ' + message;
            } else if (type === 'received') {
                messageElement.style.color = 'green';
                messageElement.innerHTML = '' + message;
            } else {
                messageElement.style.color = 'gray';
                messageElement.innerHTML = '<em>' + message + '</em>';
            }
            
            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            if (connected) {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                messageInput.disabled = false;
                sendButton.disabled = false;
                roomInput.disabled = false;
                joinButton.disabled = false;
                connectButton.textContent = 'Disconnect';
            } else {
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                roomInput.disabled = true;
                joinButton.disabled = true;
                connectButton.textContent = 'Connect';
            }
        }

        function connect() {
            ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '{{WS_PATH}}');
            
            ws.onopen = function(event) {
                addMessage('Connected to event server');
                updateStatus(true);
            };
            
            ws.onmessage = function(event) {
                if (typeof event.data !== 'string') {
                    addMessage('binary frame', 'received');
                    return;
                }
                const ev = JSON.parse(event.data);
                const from = ev.from ? ev.from + ' ' : '';
                addMessage(from + ev.event + ': ' + JSON.stringify(ev.args || []), 'received');
            };
            
            ws.onclose = function(event) {
                addMessage('Connection closed');
                updateStatus(false);
                ws = null;
            };
            
            ws.onerror = function(error) {
                addMessage('Connection error: ' + error);
                updateStatus(false);
            };
        }

        function disconnect() {
            if (ws) {
                ws.close();
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                disconnect();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                emit('chat', [message]);
                addMessage(message, 'sent');
                messageInput.value = '';
            }
        }

        function joinRoom() {
            const room = roomInput.value.trim();
            if (room && ws && ws.readyState === WebSocket.OPEN) {
                emit('join', [room]);
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
